// Package bot provides the chat side of the host: the command mux that
// extensions register handlers against and the websocket gateway that feeds
// it. The mux is deliberately thin; which commands exist at any moment is
// decided entirely by the extension registry.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/barkhq/bark/pkg/extension"
)

// Mux is the live command table. It satisfies extension.CommandRegistry; the
// registry attaches and detaches commands here under its own lock, so a
// dispatch only ever blocks on the brief critical section of a swap.
type Mux struct {
	prefix string

	mu       sync.RWMutex
	commands map[string]extension.CommandHandler
}

// NewMux creates a mux that recognizes messages starting with prefix.
func NewMux(prefix string) *Mux {
	if prefix == "" {
		prefix = "!"
	}
	return &Mux{
		prefix:   prefix,
		commands: make(map[string]extension.CommandHandler),
	}
}

// RegisterCommand attaches a handler. A duplicate name is an error; the
// registry's collision check makes this unreachable in practice, but the
// mux guards its own invariant.
func (m *Mux) RegisterCommand(name string, h extension.CommandHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	m.commands[name] = h
	return nil
}

// RemoveCommand detaches a handler. Removing an unknown name is a no-op.
func (m *Mux) RemoveCommand(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commands, name)
}

// Commands returns the registered command names, sorted.
func (m *Mux) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.commands))
	for name := range m.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes a message to its command handler. The second return is
// false when the message is not a command or the command is unknown; the
// gateway stays silent in that case.
func (m *Mux) Dispatch(ctx context.Context, msg extension.Message) (string, bool, error) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, m.prefix) {
		return "", false, nil
	}

	fields := strings.Fields(strings.TrimPrefix(text, m.prefix))
	if len(fields) == 0 {
		return "", false, nil
	}
	name := strings.ToLower(fields[0])
	msg.Args = fields[1:]

	m.mu.RLock()
	h, ok := m.commands[name]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}

	reply, err := h(ctx, msg)
	if err != nil {
		return "", true, fmt.Errorf("command %q: %w", name, err)
	}
	return reply, true, nil
}
