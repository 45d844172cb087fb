package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory table of extension descriptors. All mutations
// happen under one registry-wide lock; it is the sole owner of descriptors
// and the only component that attaches or detaches commands on the host.
type Registry struct {
	// mu is never held across network I/O; instance calls other than the
	// cleanup hook happen outside it.
	mu      sync.Mutex
	entries map[string]*Descriptor

	commands  CommandRegistry
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewRegistry creates a registry that attaches commands to the given host
// registry and jobs to the given scheduler.
func NewRegistry(commands CommandRegistry, scheduler *Scheduler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*Descriptor),
		commands:  commands,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Insert stores a new descriptor, typically a placeholder discovered on
// scan. Fails with ConflictError if the identifier is already present and
// currently loaded. An existing unloaded/failed/disabled entry is updated in
// place: the descriptor lives for as long as its source file does, so the
// version counter and the recorded error survive toggle cycles.
func (r *Registry) Insert(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[d.Identifier]
	if ok && existing.State == StateLoaded {
		return &ConflictError{Identifier: d.Identifier}
	}
	if ok {
		existing.SourcePath = d.SourcePath
		existing.Category = d.Category
		existing.State = d.State
		return nil
	}
	r.entries[d.Identifier] = d
	return nil
}

// Activate commits a freshly loaded unit for an identifier that has no live
// instance. Collision checking happens inside the same critical section as
// the attach, so no interleaving can violate command disjointness.
func (r *Registry) Activate(identifier string, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	if d.State == StateLoaded {
		return &ConflictError{Identifier: identifier}
	}
	return r.activateLocked(d, u)
}

// Swap atomically replaces the live instance for an identifier with a newly
// loaded unit: unregister old, register new, inside one critical section.
// The caller has already run the load; by the time Swap is entered the old
// instance has served uninterrupted.
func (r *Registry) Swap(ctx context.Context, identifier string, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}

	// Check the candidate against everyone but ourselves before touching
	// the old instance. A collision must leave the old instance serving.
	if colliding := findCollisions(r.entries, identifier, u.Commands, u.Routes); len(colliding) > 0 {
		return &CollisionError{Identifier: identifier, Names: colliding}
	}

	if d.State == StateLoaded {
		r.deactivateLocked(ctx, d)
	}
	return r.activateLocked(d, u)
}

// activateLocked attaches a unit's commands and jobs and flips the
// descriptor to loaded. Any failure rolls back partial registrations.
func (r *Registry) activateLocked(d *Descriptor, u *Unit) error {
	if colliding := findCollisions(r.entries, d.Identifier, u.Commands, u.Routes); len(colliding) > 0 {
		return &CollisionError{Identifier: d.Identifier, Names: colliding}
	}

	attached := make([]string, 0, len(u.Commands))
	for name, h := range u.Commands {
		if err := r.commands.RegisterCommand(name, h); err != nil {
			for _, prev := range attached {
				r.commands.RemoveCommand(prev)
			}
			return &CollisionError{Identifier: d.Identifier, Names: []string{name}}
		}
		attached = append(attached, name)
	}

	if r.scheduler != nil && len(u.Jobs) > 0 {
		if err := r.scheduler.Register(d.Identifier, u.Jobs); err != nil {
			for _, prev := range attached {
				r.commands.RemoveCommand(prev)
			}
			return &LoadError{Identifier: d.Identifier, Kind: KindContract, Message: err.Error()}
		}
	}

	sort.Strings(attached)
	d.instance = u.Instance
	d.Info = u.Info
	d.Commands = attached
	d.Routes = append([]string(nil), u.Routes...)
	d.Panel = u.Panel
	d.Jobs = u.Jobs
	d.State = StateLoaded
	d.LastError = nil
	d.Version++
	d.LoadedAt = time.Now()
	return nil
}

// deactivateLocked tears down the live instance: cleanup hook inside a
// guarded scope, then detach commands and jobs. Cleanup failure is logged
// and suppressed.
func (r *Registry) deactivateLocked(ctx context.Context, d *Descriptor) {
	if c, ok := d.instance.(Cleaner); ok && c != nil {
		if err := safeCleanup(ctx, c); err != nil {
			cerr := &CleanupError{Identifier: d.Identifier, Err: err}
			r.logger.Warn("extension cleanup failed", "extension", d.Identifier, "error", cerr)
		}
	}
	for _, name := range d.Commands {
		r.commands.RemoveCommand(name)
	}
	if r.scheduler != nil {
		r.scheduler.Unregister(d.Identifier)
	}
	d.instance = nil
	d.Commands = nil
	d.Routes = nil
	d.Panel = ""
	d.Jobs = nil
}

// safeCleanup invokes a cleanup hook and converts a panic into an error.
func safeCleanup(ctx context.Context, c Cleaner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return c.Cleanup(ctx)
}

// Deactivate unloads the live instance but keeps the descriptor, moving it
// to the given state (disabled or unloaded).
func (r *Registry) Deactivate(ctx context.Context, identifier string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	if d.State == StateLoaded {
		r.deactivateLocked(ctx, d)
	}
	d.State = to
	return nil
}

// Remove unregisters and deletes the descriptor. Used when the backing file
// disappears; unload is mandatory first.
func (r *Registry) Remove(ctx context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	if d.State == StateLoaded {
		r.deactivateLocked(ctx, d)
	}
	delete(r.entries, identifier)
	return nil
}

// RecordFailure stores a load failure on the descriptor. If the descriptor
// is currently loaded the instance is left untouched (a failed reload keeps
// the old instance serving and its version unchanged).
func (r *Registry) RecordFailure(identifier string, loadErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return
	}
	d.LastError = loadErr
	if d.State != StateLoaded {
		d.State = StateFailed
	}
}

// Get returns a snapshot of one descriptor.
func (r *Registry) Get(identifier string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return Snapshot{}, false
	}
	return d.snapshot(), true
}

// List returns snapshots of all descriptors, sorted by identifier.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Handler returns the request handler for a loaded extension that claims the
// given action, along with the version it was loaded at.
func (r *Registry) Handler(identifier, action string) (RequestHandler, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return nil, 0, &NotFoundError{Identifier: identifier}
	}
	if d.State == StateDisabled {
		return nil, 0, &DisabledError{Identifier: identifier}
	}
	if d.State != StateLoaded {
		return nil, 0, &NotFoundError{Identifier: identifier}
	}
	for _, route := range d.Routes {
		if route == action {
			if h, ok := d.instance.(RequestHandler); ok {
				return h, d.Version, nil
			}
			break
		}
	}
	return nil, 0, &NotFoundError{Identifier: identifier + "/" + action}
}

// State reports the current state of an identifier.
func (r *Registry) State(identifier string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[identifier]
	if !ok {
		return StateUnloaded, false
	}
	return d.State, true
}
