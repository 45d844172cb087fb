package extension

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/barkhq/bark/internal/extension/watcher"
)

// Manager orchestrates extension lifecycles: the startup scan, watcher-driven
// hot reloads, and the control API used by the chat host and the admin
// surface. It owns the registry and the persisted toggle state.
//
// Two execution contexts reach the manager: the host's request context via
// the explicit calls (Reload, SetEnabled, HandleRequest) and the watcher's
// goroutine via Consume. Transitions are serialized by opMu; loading runs
// under opMu but outside the registry lock, so dispatch against an
// already-loaded instance is never blocked by a load in flight.
// KVPurger removes an extension's durable keys once its source file is gone
// for good.
type KVPurger interface {
	DeleteAll(ctx context.Context, identifier string) error
}

type Manager struct {
	registry *Registry
	loader   UnitLoader
	toggles  ToggleStore
	kv       KVPurger
	metrics  *Metrics
	logger   *slog.Logger

	userDir   string
	systemDir string
	fileExt   string

	opMu    sync.Mutex
	enabled map[string]bool // toggle cache, user extensions only
}

// Config wires a Manager's collaborators.
type Config struct {
	Registry  *Registry
	Loader    UnitLoader
	Toggles   ToggleStore
	KV        KVPurger
	Metrics   *Metrics
	Logger    *slog.Logger
	UserDir   string
	SystemDir string
	FileExt   string // default ".js"
}

// NewManager creates a lifecycle manager. Registry and Loader are required.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ext := cfg.FileExt
	if ext == "" {
		ext = ".js"
	}
	return &Manager{
		registry:  cfg.Registry,
		loader:    cfg.Loader,
		toggles:   cfg.Toggles,
		kv:        cfg.KV,
		metrics:   cfg.Metrics,
		logger:    logger,
		userDir:   cfg.UserDir,
		systemDir: cfg.SystemDir,
		fileExt:   ext,
		enabled:   make(map[string]bool),
	}
}

// Identifier derives the registry key for a source path: the lowercased
// file name without extension.
func Identifier(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Start scans both directories and brings extensions up: system extensions
// always load; user extensions consult the persisted toggle state and begin
// either loaded or as disabled placeholders. Individual load failures are
// recorded on their descriptors, never returned; a broken file must not keep
// the host from starting.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, dir := range []string{m.systemDir, m.userDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Warn("cannot create extension directory", "dir", dir, "error", err)
		}
	}

	if m.toggles != nil {
		saved, err := m.toggles.Load(ctx)
		if err != nil {
			return err
		}
		m.enabled = saved
	}
	if m.enabled == nil {
		m.enabled = make(map[string]bool)
	}

	system := m.scanDir(m.systemDir)
	user := m.scanDir(m.userDir)

	for _, path := range system {
		id := Identifier(path)
		if err := m.loadLocked(ctx, id, path, CategorySystem); err != nil {
			m.logger.Error("system extension failed to load", "extension", id, "error", err)
		}
	}

	discovered := make(map[string]bool, len(user))
	for _, path := range user {
		id := Identifier(path)
		discovered[id] = true
		enabled, known := m.enabled[id]
		if !known {
			enabled = true
			m.enabled[id] = true
		}

		if !enabled {
			d := &Descriptor{Identifier: id, SourcePath: path, Category: CategoryUser, State: StateDisabled}
			if err := m.registry.Insert(d); err != nil {
				m.logger.Error("register disabled placeholder", "extension", id, "error", err)
			}
			continue
		}
		if err := m.loadLocked(ctx, id, path, CategoryUser); err != nil {
			m.logger.Error("extension failed to load", "extension", id, "error", err)
		}
	}

	// Drop toggles for files that no longer exist.
	for id := range m.enabled {
		if !discovered[id] {
			delete(m.enabled, id)
		}
	}
	m.saveToggles(ctx)

	m.logger.Info("extension scan complete",
		"system", len(system), "user", len(user), "loaded", m.loadedCount())
	m.metrics.setLoaded(m.loadedCount())
	return nil
}

// scanDir lists candidate files in a directory, non-recursive, skipping
// hidden and underscore-prefixed names.
func (m *Manager) scanDir(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn("extension directory unreadable", "dir", dir, "error", err)
		return nil
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		if strings.ToLower(filepath.Ext(name)) != m.fileExt {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths
}

// loadLocked performs the Unloaded -> Loading -> Loaded|Failed transition.
// Caller holds opMu.
func (m *Manager) loadLocked(ctx context.Context, id, path string, category Category) error {
	_, existed := m.registry.Get(id)

	d := &Descriptor{Identifier: id, SourcePath: path, Category: category, State: StateUnloaded}
	if err := m.registry.Insert(d); err != nil {
		return err
	}

	unit, err := m.loader.Load(ctx, path)
	if err != nil {
		m.metrics.load(err)
		m.registry.RecordFailure(id, err)
		return err
	}

	err = m.registry.Activate(id, unit)
	m.metrics.load(err)
	if err != nil {
		m.discard(ctx, id, unit)
		// A brand-new candidate that collides with an active extension is
		// rejected outright rather than parked in a failed state.
		var collision *CollisionError
		if !existed && errors.As(err, &collision) {
			m.registry.Remove(ctx, id)
		} else {
			m.registry.RecordFailure(id, err)
		}
		return err
	}

	m.logger.Info("extension loaded", "extension", id,
		"version", unit.Info.Version, "commands", len(unit.Commands), "routes", len(unit.Routes))
	return nil
}

// discard releases a unit that lost the activation race or collided. Its
// commands were never attached, so only the cleanup hook needs running.
func (m *Manager) discard(ctx context.Context, id string, u *Unit) {
	if c, ok := u.Instance.(Cleaner); ok && c != nil {
		if err := safeCleanup(ctx, c); err != nil {
			m.logger.Warn("discarded instance cleanup failed", "extension", id, "error", err)
		}
	}
}

// Reload re-runs the load against the current file contents and swaps the
// result in atomically. The old instance keeps serving throughout the load;
// on failure it stays, the error is recorded on the descriptor, and the
// version is unchanged. Synchronous so an operator gets direct feedback.
func (m *Manager) Reload(ctx context.Context, identifier string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	err := m.reloadLocked(ctx, identifier)
	m.metrics.setLoaded(m.loadedCount())
	return err
}

func (m *Manager) reloadLocked(ctx context.Context, identifier string) error {
	snap, ok := m.registry.Get(identifier)
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	if snap.State == StateDisabled.String() {
		return &DisabledError{Identifier: identifier}
	}

	unit, err := m.loader.Load(ctx, snap.SourcePath)
	if err != nil {
		m.metrics.reload(err)
		m.registry.RecordFailure(identifier, err)
		return err
	}

	err = m.registry.Swap(ctx, identifier, unit)
	m.metrics.reload(err)
	if err != nil {
		m.discard(ctx, identifier, unit)
		m.registry.RecordFailure(identifier, err)
		return err
	}

	m.logger.Info("extension reloaded", "extension", identifier, "version", unit.Info.Version)
	return nil
}

// SetEnabled flips the persisted toggle for a user extension and applies it:
// disabling unloads the live instance, enabling runs a fresh load (state is
// never resurrected from before disabling).
func (m *Manager) SetEnabled(ctx context.Context, identifier string, enabled bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer func() { m.metrics.setLoaded(m.loadedCount()) }()

	snap, ok := m.registry.Get(identifier)
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	if snap.Category == CategorySystem.String() {
		if !enabled {
			return &ProtectedError{Identifier: identifier}
		}
		return nil // system extensions are always on
	}

	m.enabled[identifier] = enabled
	m.saveToggles(ctx)

	if !enabled {
		if err := m.registry.Deactivate(ctx, identifier, StateDisabled); err != nil {
			return err
		}
		m.logger.Info("extension disabled", "extension", identifier)
		return nil
	}

	if snap.State == StateLoaded.String() {
		return nil
	}
	return m.loadLocked(ctx, identifier, snap.SourcePath, CategoryUser)
}

// Consume drains watcher events until the channel closes or the context is
// cancelled. Only this goroutine initiates autonomous reloads.
func (m *Manager) Consume(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev watcher.Event) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer func() { m.metrics.setLoaded(m.loadedCount()) }()

	id := Identifier(ev.Path)
	category := CategoryUser
	if m.systemDir != "" && filepath.Dir(ev.Path) == filepath.Clean(m.systemDir) {
		category = CategorySystem
	}

	switch ev.Kind {
	case watcher.Created:
		if snap, ok := m.registry.Get(id); ok && snap.State == StateLoaded.String() {
			// Some editors replace the file on save; treat as a change.
			if err := m.reloadLocked(ctx, id); err != nil {
				m.logger.Error("reload after recreate failed", "extension", id, "error", err)
			}
			return
		}
		if category == CategoryUser {
			enabled, known := m.enabled[id]
			if !known {
				m.enabled[id] = true
				m.saveToggles(ctx)
			} else if !enabled {
				d := &Descriptor{Identifier: id, SourcePath: ev.Path, Category: category, State: StateDisabled}
				if err := m.registry.Insert(d); err != nil {
					m.logger.Error("register disabled placeholder", "extension", id, "error", err)
				}
				return
			}
		}
		m.logger.Info("new extension detected", "extension", id)
		if err := m.loadLocked(ctx, id, ev.Path, category); err != nil {
			m.logger.Error("failed to load new extension", "extension", id, "error", err)
		}

	case watcher.Modified:
		snap, ok := m.registry.Get(id)
		if !ok {
			if err := m.loadLocked(ctx, id, ev.Path, category); err != nil {
				m.logger.Error("failed to load extension", "extension", id, "error", err)
			}
			return
		}
		if snap.State == StateDisabled.String() {
			return // picked up fresh on enable
		}
		m.logger.Info("extension modified, reloading", "extension", id)
		if err := m.reloadLocked(ctx, id); err != nil {
			m.logger.Error("reload failed, previous instance still active", "extension", id, "error", err)
		}

	case watcher.Deleted:
		if _, ok := m.registry.Get(id); !ok {
			return
		}
		m.logger.Info("extension file removed, unloading", "extension", id)
		if err := m.registry.Remove(ctx, id); err != nil {
			m.logger.Warn("failed to remove extension", "extension", id, "error", err)
		}
		if category == CategoryUser {
			delete(m.enabled, id)
			m.saveToggles(ctx)
		}
		if m.kv != nil {
			if err := m.kv.DeleteAll(ctx, id); err != nil {
				m.logger.Warn("failed to purge extension storage", "extension", id, "error", err)
			}
		}
	}
}

// List returns snapshots of every descriptor, enriched with the persisted
// toggle flag.
func (m *Manager) List() []Snapshot {
	return m.registry.List()
}

// Get returns one descriptor snapshot.
func (m *Manager) Get(identifier string) (Snapshot, bool) {
	return m.registry.Get(identifier)
}

// HandleRequest routes an API action to the loaded extension claiming it.
// The instance call happens outside the registry lock.
func (m *Manager) HandleRequest(ctx context.Context, identifier, action string, payload json.RawMessage) (json.RawMessage, error) {
	h, _, err := m.registry.Handler(identifier, action)
	if err != nil {
		return nil, err
	}
	return h.HandleRequest(ctx, action, payload)
}

// Shutdown unloads every loaded extension, running cleanup hooks.
func (m *Manager) Shutdown(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, snap := range m.registry.List() {
		if snap.State != StateLoaded.String() {
			continue
		}
		if err := m.registry.Deactivate(ctx, snap.Identifier, StateUnloaded); err != nil {
			m.logger.Warn("shutdown unload failed", "extension", snap.Identifier, "error", err)
		}
	}
	m.metrics.setLoaded(0)
}

// Enabled reports the persisted toggle for an identifier; system extensions
// and unknown identifiers report true.
func (m *Manager) Enabled(identifier string) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	enabled, known := m.enabled[identifier]
	return !known || enabled
}

func (m *Manager) loadedCount() int {
	n := 0
	for _, snap := range m.registry.List() {
		if snap.State == StateLoaded.String() {
			n++
		}
	}
	return n
}

func (m *Manager) saveToggles(ctx context.Context) {
	if m.toggles == nil {
		return
	}
	if err := m.toggles.Save(ctx, m.enabled); err != nil {
		m.logger.Error("failed to persist extension toggles", "error", err)
	}
}
