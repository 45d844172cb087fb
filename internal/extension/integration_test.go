//go:build integration

package extension_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkhq/bark/internal/bot"
	"github.com/barkhq/bark/internal/extension"
	"github.com/barkhq/bark/internal/extension/loader"
	"github.com/barkhq/bark/internal/extension/store"
	"github.com/barkhq/bark/internal/extension/watcher"
	pkgext "github.com/barkhq/bark/pkg/extension"
)

const greeterV1 = `
function setup(host, services) {
	host.registerCommand("greet", function(msg) {
		return "hello, " + msg.author;
	});
	return {name: "Greeter", description: "Greets people", icon: "wave", version: "1.0.0"};
}
`

const greeterV2 = `
function setup(host, services) {
	host.registerCommand("greet", function(msg) {
		return "howdy, " + msg.author;
	});
	return {name: "Greeter", description: "Greets people", icon: "wave", version: "2.0.0"};
}
`

func TestHotReloadEndToEnd(t *testing.T) {
	ctx := context.Background()

	userDir := t.TempDir()
	scriptPath := filepath.Join(userDir, "greeter.js")
	require.NoError(t, os.WriteFile(scriptPath, []byte(greeterV1), 0o644))

	db, err := store.Open(filepath.Join(t.TempDir(), "bark.db"))
	require.NoError(t, err)
	defer db.Close()

	logs := extension.NewLogBuffer(100)
	services := extension.NewServices(nil, logs, nil, store.NewKVStore(db))
	mux := bot.NewMux("!")

	newManager := func() *extension.Manager {
		return extension.NewManager(extension.Config{
			Registry: extension.NewRegistry(mux, nil, nil),
			Loader:   loader.New(services, nil),
			Toggles:  store.NewToggleStore(db),
			UserDir:  userDir,
		})
	}

	mgr := newManager()
	require.NoError(t, mgr.Start(ctx))

	dispatch := func() (string, bool) {
		reply, handled, err := mux.Dispatch(ctx, pkgext.Message{Author: "ada", Text: "!greet"})
		require.NoError(t, err)
		return reply, handled
	}

	t.Run("Loaded from disk", func(t *testing.T) {
		snap, ok := mgr.Get("greeter")
		require.True(t, ok)
		assert.Equal(t, "loaded", snap.State)
		assert.Equal(t, "Greeter", snap.Info.Name)
		assert.EqualValues(t, 1, snap.Version)

		reply, handled := dispatch()
		require.True(t, handled)
		assert.Equal(t, "hello, ada", reply)
	})

	t.Run("Watcher-driven reload", func(t *testing.T) {
		w := watcher.New([]string{userDir}, nil, watcher.WithDebounce(100*time.Millisecond))
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go w.Run(wctx)
		go mgr.Consume(wctx, w.Events())
		time.Sleep(300 * time.Millisecond)

		require.NoError(t, os.WriteFile(scriptPath, []byte(greeterV2), 0o644))

		require.Eventually(t, func() bool {
			snap, _ := mgr.Get("greeter")
			return snap.Version == 2
		}, 10*time.Second, 100*time.Millisecond, "reload never committed")

		reply, handled := dispatch()
		require.True(t, handled)
		assert.Equal(t, "howdy, ada", reply)
		assert.Equal(t, "2.0.0", func() string { snap, _ := mgr.Get("greeter"); return snap.Info.Version }())
	})

	t.Run("Broken edit keeps old instance", func(t *testing.T) {
		require.NoError(t, mgr.Reload(ctx, "greeter"))
		snap, _ := mgr.Get("greeter")
		before := snap.Version

		require.NoError(t, os.WriteFile(scriptPath, []byte(`function setup( {`), 0o644))
		err := mgr.Reload(ctx, "greeter")
		require.Error(t, err)
		var loadErr *extension.LoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, extension.KindSyntax, loadErr.Kind)

		snap, _ = mgr.Get("greeter")
		assert.Equal(t, "loaded", snap.State)
		assert.Equal(t, before, snap.Version)
		require.NotNil(t, snap.LastError)

		reply, handled := dispatch()
		require.True(t, handled)
		assert.Equal(t, "howdy, ada", reply, "previous instance should keep serving")

		require.NoError(t, os.WriteFile(scriptPath, []byte(greeterV2), 0o644))
	})

	t.Run("Toggle survives restart", func(t *testing.T) {
		require.NoError(t, mgr.SetEnabled(ctx, "greeter", false))
		_, handled := dispatch()
		assert.False(t, handled, "disabled extension should not dispatch")

		mgr.Shutdown(ctx)

		mgr2 := newManager()
		require.NoError(t, mgr2.Start(ctx))
		snap, ok := mgr2.Get("greeter")
		require.True(t, ok)
		assert.Equal(t, "disabled", snap.State, "persisted toggle should hold across restart")
	})
}
