package extension

import (
	"fmt"
	"strings"
)

// ErrorKind classifies why a load attempt failed.
type ErrorKind string

const (
	// KindSyntax means the source file failed to parse or compile.
	KindSyntax ErrorKind = "syntax"
	// KindContract means the unit is missing its entry point or the
	// returned instance is missing required fields.
	KindContract ErrorKind = "contract"
	// KindRuntime means the entry point raised during execution.
	KindRuntime ErrorKind = "runtime"
)

// LoadError is the captured result of a failed load. It never unwinds across
// the swap boundary: a failed reload leaves the prior instance serving.
type LoadError struct {
	Identifier string
	Kind       ErrorKind
	Message    string
	Missing    []string // required fields absent, for KindContract
	Stack      string   // script traceback, when available
}

func (e *LoadError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("extension %q: %s error: missing required fields: %s",
			e.Identifier, e.Kind, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("extension %q: %s error: %s", e.Identifier, e.Kind, e.Message)
}

// CollisionError reports command or route names already claimed by other
// loaded extensions. Nothing from the candidate is registered.
type CollisionError struct {
	Identifier string
	Names      []string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("extension %q: names already registered: %s",
		e.Identifier, strings.Join(e.Names, ", "))
}

// ConflictError reports a duplicate identifier registration.
type ConflictError struct {
	Identifier string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("extension %q already registered", e.Identifier)
}

// ProtectedError reports a disallowed mutation of a system extension.
type ProtectedError struct {
	Identifier string
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf("extension %q is a system extension and cannot be disabled or removed", e.Identifier)
}

// NotFoundError reports an identifier absent from the registry.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("extension %q not found", e.Identifier)
}

// DisabledError reports an operation that requires a loaded instance against
// a disabled extension.
type DisabledError struct {
	Identifier string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("extension %q is disabled", e.Identifier)
}

// CleanupError wraps a failure from an instance cleanup hook. It is logged
// and suppressed; removal proceeds regardless.
type CleanupError struct {
	Identifier string
	Err        error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("extension %q: cleanup failed: %v", e.Identifier, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
