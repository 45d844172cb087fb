package extension

import (
	"context"
	"time"
)

// State is the lifecycle state of one descriptor.
type State int8

const (
	StateUnloaded State = iota
	StateLoaded
	StateDisabled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateDisabled:
		return "disabled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Category distinguishes user extensions from protected system ones.
// System extensions cannot be disabled via the control API.
type Category int8

const (
	CategoryUser Category = iota
	CategorySystem
)

func (c Category) String() string {
	if c == CategorySystem {
		return "system"
	}
	return "user"
}

// JobSpec is a periodic job declared by an instance at load time. Jobs are
// registered with the scheduler on activation and removed on deactivation,
// so a reload swaps them together with the commands.
type JobSpec struct {
	ID       string
	Schedule string // cron expression, e.g. "@every 1m"
	Run      func(ctx context.Context) error
}

// Unit is the product of one successful load: the live instance plus
// everything it registered during setup, still staged (nothing is attached
// to the host yet).
type Unit struct {
	Info     Info
	Instance Instance
	Commands map[string]CommandHandler
	Routes   []string
	Jobs     []JobSpec
	Panel    string // optional dashboard panel HTML, sanitized before serving
}

// UnitLoader loads a unit of behavior from a source file into an isolated
// execution context. Each call re-evaluates the file; no execution state is
// cached between calls.
type UnitLoader interface {
	Load(ctx context.Context, path string) (*Unit, error)
}

// Descriptor is the registry's record for one extension. The registry is the
// sole owner; no other component mutates descriptors directly.
type Descriptor struct {
	Identifier string
	SourcePath string
	Category   Category
	State      State

	// Exactly one live instance per identifier. Non-nil iff State is
	// StateLoaded.
	instance Instance

	Info     Info
	Commands []string
	Routes   []string
	Panel    string
	Jobs     []JobSpec

	LastError error
	Version   uint64 // increments on every successful (re)load
	LoadedAt  time.Time
}

// ErrorRecord is a display-friendly copy of a descriptor's last error.
type ErrorRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time copy of a descriptor, safe to use outside the
// registry lock.
type Snapshot struct {
	Identifier string   `json:"identifier"`
	SourcePath string   `json:"source_path"`
	Category   string   `json:"category"`
	State      string   `json:"state"`
	Info       Info     `json:"info"`
	Commands   []string `json:"commands"`
	Routes     []string `json:"routes"`
	Panel      string   `json:"panel,omitempty"`

	Version   uint64       `json:"version"`
	LoadedAt  time.Time    `json:"loaded_at,omitzero"`
	LastError *ErrorRecord `json:"last_error,omitempty"`
}

func (d *Descriptor) snapshot() Snapshot {
	s := Snapshot{
		Identifier: d.Identifier,
		SourcePath: d.SourcePath,
		Category:   d.Category.String(),
		State:      d.State.String(),
		Info:       d.Info,
		Commands:   append([]string(nil), d.Commands...),
		Routes:     append([]string(nil), d.Routes...),
		Panel:      d.Panel,
		Version:    d.Version,
		LoadedAt:   d.LoadedAt,
	}
	if d.LastError != nil {
		s.LastError = &ErrorRecord{Kind: errorKind(d.LastError), Message: d.LastError.Error()}
	}
	return s
}

// errorKind maps a typed error to its taxonomy name for display.
func errorKind(err error) string {
	switch e := err.(type) {
	case *LoadError:
		return string(e.Kind)
	case *CollisionError:
		return "collision"
	case *ConflictError:
		return "conflict"
	case *ProtectedError:
		return "protected"
	case *CleanupError:
		return "cleanup"
	default:
		return "error"
	}
}
