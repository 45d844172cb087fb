package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/barkhq/bark/internal/extension"
)

func writeScript(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

const diceScript = `
function setup(host, services) {
	host.registerCommand("roll", function(msg) {
		return "rolled for " + msg.author;
	});
	return {
		name: "Dice",
		description: "Rolls dice",
		icon: "die",
		version: "1.2.0",
		routes: ["dice.stats"],
		handleRequest: function(action, payload) {
			return {action: action, total: 42};
		},
		cleanup: function() {
			services.log.info("dice going away");
		},
		panel: "<b>dice</b>",
	};
}
`

func TestLoaderLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("ValidScript", func(t *testing.T) {
		l := New(nil, nil)
		unit, err := l.Load(ctx, writeScript(t, "dice.js", diceScript))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}

		want := extension.Info{Name: "Dice", Description: "Rolls dice", Icon: "die", Version: "1.2.0"}
		if unit.Info != want {
			t.Errorf("Info = %+v, want %+v", unit.Info, want)
		}
		if unit.Instance.Describe() != want {
			t.Errorf("Describe = %+v, want %+v", unit.Instance.Describe(), want)
		}
		if len(unit.Routes) != 1 || unit.Routes[0] != "dice.stats" {
			t.Errorf("Routes = %v, want [dice.stats]", unit.Routes)
		}
		if unit.Panel != "<b>dice</b>" {
			t.Errorf("Panel = %q", unit.Panel)
		}

		h, ok := unit.Commands["roll"]
		if !ok {
			t.Fatal("roll command not staged")
		}
		reply, err := h(ctx, extension.Message{Author: "ada", Text: "!roll"})
		if err != nil {
			t.Fatalf("command: %v", err)
		}
		if reply != "rolled for ada" {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("HandleRequestRoundTrip", func(t *testing.T) {
		l := New(nil, nil)
		unit, err := l.Load(ctx, writeScript(t, "dice.js", diceScript))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		h, ok := unit.Instance.(extension.RequestHandler)
		if !ok {
			t.Fatal("instance does not handle requests")
		}
		res, err := h.HandleRequest(ctx, "dice.stats", []byte(`{"period":"week"}`))
		if err != nil {
			t.Fatalf("HandleRequest: %v", err)
		}
		if string(res) != `{"action":"dice.stats","total":42}` {
			t.Errorf("response = %s", res)
		}
	})

	t.Run("CleanupHookRuns", func(t *testing.T) {
		logs := extension.NewLogBuffer(10)
		services := extension.NewServices(nil, logs, nil, nil)
		l := New(services, nil)
		unit, err := l.Load(ctx, writeScript(t, "dice.js", diceScript))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		c, ok := unit.Instance.(extension.Cleaner)
		if !ok {
			t.Fatal("instance has no cleaner")
		}
		if err := c.Cleanup(ctx); err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
		entries := logs.ForExtension("dice")
		if len(entries) != 1 || entries[0].Message != "dice going away" {
			t.Errorf("log entries = %+v", entries)
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "bad.js", `function setup( {`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindSyntax {
			t.Fatalf("err = %v, want syntax LoadError", err)
		}
	})

	t.Run("MissingSetup", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "empty.js", `var x = 1;`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindContract {
			t.Fatalf("err = %v, want contract LoadError", err)
		}
		if len(loadErr.Missing) != 1 || loadErr.Missing[0] != "setup" {
			t.Errorf("Missing = %v, want [setup]", loadErr.Missing)
		}
	})

	t.Run("SetupThrowsWithStack", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "boom.js", `
function setup(host, services) {
	throw new Error("kaboom");
}
`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindRuntime {
			t.Fatalf("err = %v, want runtime LoadError", err)
		}
		if loadErr.Stack == "" {
			t.Error("script traceback not captured")
		}
	})

	t.Run("MissingInstanceFields", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "bare.js", `
function setup(host, services) {
	return {name: "Bare"};
}
`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindContract {
			t.Fatalf("err = %v, want contract LoadError", err)
		}
		want := []string{"description", "icon", "version"}
		if len(loadErr.Missing) != len(want) {
			t.Fatalf("Missing = %v, want %v", loadErr.Missing, want)
		}
		for i, name := range want {
			if loadErr.Missing[i] != name {
				t.Errorf("Missing[%d] = %q, want %q", i, loadErr.Missing[i], name)
			}
		}
	})

	t.Run("SetupReturnsNothing", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "void.js", `function setup(host, services) {}`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindContract {
			t.Fatalf("err = %v, want contract LoadError", err)
		}
	})

	t.Run("RoutesRequireHandleRequest", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "routed.js", `
function setup(host, services) {
	return {
		name: "Routed", description: "d", icon: "i", version: "1.0.0",
		routes: ["routed.info"],
	};
}
`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindContract {
			t.Fatalf("err = %v, want contract LoadError", err)
		}
	})

	t.Run("BadRegisterCommandArguments", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "badreg.js", `
function setup(host, services) {
	host.registerCommand("oops", "not a function");
	return {name: "n", description: "d", icon: "i", version: "1"};
}
`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindRuntime {
			t.Fatalf("err = %v, want runtime LoadError", err)
		}
	})

	t.Run("FreshRuntimePerLoad", func(t *testing.T) {
		// Global state must not survive across loads of the same file.
		path := writeScript(t, "counter.js", `
var loads = (typeof loads === "undefined") ? 1 : loads + 1;
function setup(host, services) {
	host.registerCommand("count", function(msg) {
		return "load " + loads;
	});
	return {name: "Counter", description: "d", icon: "i", version: "1"};
}
`)
		l := New(nil, nil)
		for i := 0; i < 2; i++ {
			unit, err := l.Load(ctx, path)
			if err != nil {
				t.Fatalf("Load #%d: %v", i+1, err)
			}
			reply, err := unit.Commands["count"](ctx, extension.Message{})
			if err != nil {
				t.Fatalf("command #%d: %v", i+1, err)
			}
			if reply != "load 1" {
				t.Errorf("load #%d reply = %q, want \"load 1\"", i+1, reply)
			}
		}
	})

	t.Run("Jobs", func(t *testing.T) {
		l := New(nil, nil)
		unit, err := l.Load(ctx, writeScript(t, "jobs.js", `
var ticks = 0;
function setup(host, services) {
	host.registerCommand("ticks", function(msg) { return "" + ticks; });
	return {
		name: "Jobs", description: "d", icon: "i", version: "1",
		jobs: [{id: "tick", schedule: "@every 1m", handler: function() { ticks++; }}],
	};
}
`))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(unit.Jobs) != 1 {
			t.Fatalf("Jobs = %d, want 1", len(unit.Jobs))
		}
		job := unit.Jobs[0]
		if job.ID != "tick" || job.Schedule != "@every 1m" {
			t.Errorf("job = %+v", job)
		}
		if err := job.Run(ctx); err != nil {
			t.Fatalf("job run: %v", err)
		}
		reply, _ := unit.Commands["ticks"](ctx, extension.Message{})
		if reply != "1" {
			t.Errorf("ticks = %q, want 1", reply)
		}
	})

	t.Run("JobWithoutHandlerRejected", func(t *testing.T) {
		l := New(nil, nil)
		_, err := l.Load(ctx, writeScript(t, "badjob.js", `
function setup(host, services) {
	return {
		name: "n", description: "d", icon: "i", version: "1",
		jobs: [{schedule: "@every 1m"}],
	};
}
`))
		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) || loadErr.Kind != extension.KindContract {
			t.Fatalf("err = %v, want contract LoadError", err)
		}
	})

	t.Run("TimeoutInterruptsRunawaySetup", func(t *testing.T) {
		l := New(nil, nil, WithTimeout(200*time.Millisecond))
		start := time.Now()
		_, err := l.Load(ctx, writeScript(t, "spin.js", `
function setup(host, services) {
	while (true) {}
}
`))
		if err == nil {
			t.Fatal("runaway setup loaded successfully")
		}
		if time.Since(start) > 5*time.Second {
			t.Error("interrupt took too long")
		}
	})

	t.Run("KVNamespacedByIdentifier", func(t *testing.T) {
		kv := &memKV{data: make(map[[2]string]string)}
		services := extension.NewServices(nil, nil, nil, kv)
		l := New(services, nil)
		unit, err := l.Load(ctx, writeScript(t, "memo.js", `
function setup(host, services) {
	host.registerCommand("memo", function(msg) {
		services.kv.set("last", msg.text);
		return services.kv.get("last");
	});
	return {name: "Memo", description: "d", icon: "i", version: "1"};
}
`))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		reply, err := unit.Commands["memo"](ctx, extension.Message{Text: "hello"})
		if err != nil {
			t.Fatalf("command: %v", err)
		}
		if reply != "hello" {
			t.Errorf("reply = %q, want hello", reply)
		}
		if got := kv.data[[2]string{"memo", "last"}]; got != "hello" {
			t.Errorf("stored under wrong namespace: %+v", kv.data)
		}
	})
}

type memKV struct {
	mu   sync.Mutex
	data map[[2]string]string
}

func (m *memKV) Get(ctx context.Context, identifier, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[[2]string{identifier, key}]
	return v, ok, nil
}

func (m *memKV) Set(ctx context.Context, identifier, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[[2]string{identifier, key}] = value
	return nil
}

func (m *memKV) Delete(ctx context.Context, identifier, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, [2]string{identifier, key})
	return nil
}
