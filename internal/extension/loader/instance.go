package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/barkhq/bark/internal/extension"
)

// scriptInstance is the opaque handle for one loaded script. A goja runtime
// is not safe for concurrent use, so every call into the script is
// serialized by mu; dispatch of two different extensions never contends.
type scriptInstance struct {
	mu sync.Mutex
	vm *goja.Runtime

	info          extension.Info
	handleRequest goja.Callable
	cleanup       goja.Callable
}

var (
	_ extension.Instance       = (*scriptInstance)(nil)
	_ extension.RequestHandler = (*scriptInstance)(nil)
	_ extension.Cleaner        = (*scriptInstance)(nil)
)

func (s *scriptInstance) Describe() extension.Info {
	return s.info
}

// commandHandler wraps a script function as a host command handler.
func (s *scriptInstance) commandHandler(fn goja.Callable) extension.CommandHandler {
	return func(ctx context.Context, msg extension.Message) (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		arg := s.vm.ToValue(map[string]any{
			"channel": msg.Channel,
			"author":  msg.Author,
			"text":    msg.Text,
			"args":    msg.Args,
		})
		res, err := fn(goja.Undefined(), arg)
		if err != nil {
			return "", fmt.Errorf("command handler: %w", err)
		}
		if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
			return "", nil
		}
		return res.String(), nil
	}
}

// HandleRequest routes an API action into the script's handleRequest
// function. Payload and response cross the boundary as JSON.
func (s *scriptInstance) HandleRequest(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handleRequest == nil {
		return nil, fmt.Errorf("no request handler")
	}

	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	res, err := s.handleRequest(goja.Undefined(), s.vm.ToValue(action), s.vm.ToValue(decoded))
	if err != nil {
		return nil, fmt.Errorf("handleRequest(%s): %w", action, err)
	}
	if res == nil || goja.IsUndefined(res) {
		return nil, nil
	}

	encoded, err := json.Marshal(res.Export())
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return encoded, nil
}

// Cleanup runs the script's optional cleanup hook.
func (s *scriptInstance) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanup == nil {
		return nil
	}
	if _, err := s.cleanup(goja.Undefined()); err != nil {
		return err
	}
	return nil
}

// jobRunner wraps a script function as a scheduler job.
func (s *scriptInstance) jobRunner(fn goja.Callable) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := fn(goja.Undefined())
		return err
	}
}
