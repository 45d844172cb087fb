// Package extension defines the contract between the Bark host and its
// hot-loadable extensions.
//
// An extension is one source file evaluated in-process by the host. During
// setup it registers chat commands against the host and returns an instance
// describing itself. The host doesn't care how the instance is backed - the
// script runtime and any native test doubles both satisfy this interface and
// are managed uniformly by the lifecycle manager.
package extension

import (
	"context"
	"encoding/json"
)

// Info is the self-description every instance must provide.
// All four fields are required; the loader rejects instances missing any.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Version     string `json:"version"`
}

// Instance is the live handle for one loaded extension.
// Exactly one live instance exists per identifier at any time, owned by the
// registry.
type Instance interface {
	// Describe returns the instance metadata captured at load time.
	Describe() Info
}

// RequestHandler is implemented by instances that serve API actions.
// The host routes calls by the (identifier, action) pairs the instance
// claimed at load time; it does not interpret payloads.
type RequestHandler interface {
	HandleRequest(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)
}

// Cleaner is implemented by instances that need teardown before unload.
// A cleanup failure is logged but never blocks removal.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Message is one inbound chat message, already stripped of protocol framing.
type Message struct {
	Channel string   `json:"channel"`
	Author  string   `json:"author"`
	Text    string   `json:"text"`
	Args    []string `json:"args,omitempty"`
}

// CommandHandler handles one chat command invocation and returns the reply.
type CommandHandler func(ctx context.Context, msg Message) (string, error)

// CommandRegistry is the narrow host surface extensions register commands
// against. RemoveCommand of an unknown name is a no-op, not an error.
type CommandRegistry interface {
	RegisterCommand(name string, h CommandHandler) error
	RemoveCommand(name string)
}
