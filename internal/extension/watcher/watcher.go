// Package watcher observes an extension directory tree and emits debounced
// change events over a channel. It runs on its own goroutine and never calls
// back into the lifecycle manager; the manager consumes the channel on its
// own schedule, which keeps the two execution contexts decoupled and lets
// each be tested with synthetic events.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies a change event.
type Kind int8

const (
	Created Kind = iota
	Modified
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one debounced filesystem change.
type Event struct {
	Path string
	Kind Kind
}

// Watcher watches directories for extension file changes. Bursts of writes
// to the same path within the debounce window collapse into one event, so
// editors that save in several syscalls don't trigger a reload storm.
type Watcher struct {
	dirs     []string
	ext      string
	debounce time.Duration
	logger   *slog.Logger

	events chan Event

	mu      sync.Mutex
	pending map[string]*pendingChange
	fsw     *fsnotify.Watcher
}

type pendingChange struct {
	timer *time.Timer
	kind  Kind
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the debounce window. Values outside a sane range
// fall back to the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtension restricts events to files with the given extension
// (including the dot). Default ".js".
func WithExtension(ext string) Option {
	return func(w *Watcher) {
		w.ext = strings.ToLower(ext)
	}
}

// New creates a watcher for the given directories.
func New(dirs []string, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dirs:     dirs,
		ext:      ".js",
		debounce: 500 * time.Millisecond,
		logger:   logger,
		events:   make(chan Event, 64),
		pending:  make(map[string]*pendingChange),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the channel change notifications are delivered on. The
// channel is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run watches until the context is cancelled. If watch registration fails
// (directory missing or unreadable) it logs and retries on a backoff rather
// than giving up; the host process must outlive a misconfigured directory.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	backoff := time.Second
	for {
		fsw, err := w.register()
		if err != nil {
			w.logger.Warn("watch registration failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		w.logger.Info("hot reload enabled", "dirs", w.dirs)
		if done := w.loop(ctx, fsw); done {
			return
		}
		// The fsnotify channels closed underneath us; re-register.
	}
}

// register watches every directory it can. One unwatchable directory must
// not take down watching of the others, so failures are logged per dir and
// registration only fails outright when nothing could be watched.
func (w *Watcher) register() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	added := 0
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		fsw.Close()
		return nil, errors.New("no watchable directories")
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	return fsw, nil
}

// loop reads raw fsnotify events until cancellation (returns true) or
// channel closure (returns false, caller re-registers).
func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) bool {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return true

		case event, ok := <-fsw.Events:
			if !ok {
				return false
			}
			w.handle(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return false
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handle coalesces a raw event into the pending set. A delete or rename
// fires through the same debounce path so a rapid delete+recreate resolves
// to the final state of the file.
func (w *Watcher) handle(event fsnotify.Event) {
	if strings.ToLower(filepath.Ext(event.Name)) != w.ext {
		return
	}

	var kind Kind
	switch {
	case event.Op.Has(fsnotify.Create):
		kind = Created
	case event.Op.Has(fsnotify.Write):
		kind = Modified
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		kind = Deleted
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := event.Name
	if p, exists := w.pending[path]; exists {
		p.timer.Stop()
		// Create followed by writes is still a create; anything followed
		// by a delete is a delete.
		if kind == Modified && p.kind == Created {
			kind = Created
		}
	}
	p := &pendingChange{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(path) })
	w.pending[path] = p
}

// fire emits the coalesced event for a path after its debounce window.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	select {
	case w.events <- Event{Path: path, Kind: p.kind}:
	default:
		w.logger.Warn("event queue full, dropping change", "path", path)
	}
}

// flush drops pending timers on shutdown.
func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}
