package extension_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/barkhq/bark/internal/extension"
)

// fakeMux implements extension.CommandRegistry for tests.
type fakeMux struct {
	mu       sync.Mutex
	commands map[string]extension.CommandHandler
}

func newFakeMux() *fakeMux {
	return &fakeMux{commands: make(map[string]extension.CommandHandler)}
}

func (m *fakeMux) RegisterCommand(name string, h extension.CommandHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	m.commands[name] = h
	return nil
}

func (m *fakeMux) RemoveCommand(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.commands, name)
}

func (m *fakeMux) dispatch(t *testing.T, name string) string {
	t.Helper()
	m.mu.Lock()
	h, ok := m.commands[name]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("command %q not registered", name)
	}
	reply, err := h(context.Background(), extension.Message{Text: name})
	if err != nil {
		t.Fatalf("dispatch %q: %v", name, err)
	}
	return reply
}

func (m *fakeMux) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.commands[name]
	return ok
}

func (m *fakeMux) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

// fakeInstance implements Instance, RequestHandler and Cleaner.
type fakeInstance struct {
	info       extension.Info
	reply      string
	cleanupErr error

	mu      sync.Mutex
	cleaned bool
}

func (f *fakeInstance) Describe() extension.Info { return f.info }

func (f *fakeInstance) HandleRequest(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"action": action, "reply": f.reply})
}

func (f *fakeInstance) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	f.cleaned = true
	f.mu.Unlock()
	return f.cleanupErr
}

func (f *fakeInstance) wasCleaned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}

// newUnit builds a unit whose command handlers reply with the given tag.
func newUnit(tag string, commands ...string) (*extension.Unit, *fakeInstance) {
	inst := &fakeInstance{
		info:  extension.Info{Name: tag, Description: "test unit", Icon: "puzzle", Version: "1.0.0"},
		reply: tag,
	}
	cmds := make(map[string]extension.CommandHandler, len(commands))
	for _, name := range commands {
		cmds[name] = func(ctx context.Context, msg extension.Message) (string, error) {
			return tag, nil
		}
	}
	return &extension.Unit{Info: inst.info, Instance: inst, Commands: cmds}, inst
}

// fakeLoader returns scripted results per source path. Each call pops the
// next result for that path, so a test can stage "works, then breaks".
type fakeLoader struct {
	mu      sync.Mutex
	results map[string][]loadResult
	calls   map[string]int
}

type loadResult struct {
	unit *extension.Unit
	err  error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		results: make(map[string][]loadResult),
		calls:   make(map[string]int),
	}
}

func (l *fakeLoader) stage(path string, unit *extension.Unit, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[path] = append(l.results[path], loadResult{unit: unit, err: err})
}

func (l *fakeLoader) Load(ctx context.Context, path string) (*extension.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[path]++
	queue := l.results[path]
	if len(queue) == 0 {
		return nil, &extension.LoadError{Identifier: extension.Identifier(path), Kind: extension.KindRuntime, Message: "no staged result"}
	}
	res := queue[0]
	if len(queue) > 1 {
		l.results[path] = queue[1:]
	}
	return res.unit, res.err
}

func (l *fakeLoader) loadCount(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[path]
}

// writeStub creates an empty candidate file so the startup scan finds it.
func writeStub(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("// stub\n"), 0o644); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}
