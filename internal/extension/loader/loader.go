// Package loader imports an extension from a source file into an isolated
// script runtime. Every call evaluates the file from scratch in a fresh
// runtime, so edits take effect and no execution state leaks between loads.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dop251/goja"

	"github.com/barkhq/bark/internal/extension"
)

// Loader evaluates JavaScript extension files. It is stateless across calls;
// all per-load state lives in the runtime it creates.
type Loader struct {
	services *extension.Services
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout bounds script evaluation during load. A script stuck in a loop
// fails the load instead of wedging the manager.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New creates a loader that hands the given services bundle to setup hooks.
func New(services *extension.Services, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if services == nil {
		services = extension.NewServices(logger, nil, nil, nil)
	}
	l := &Loader{
		services: services,
		logger:   logger,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load evaluates the file at path, invokes its setup entry point against a
// recording host, validates the returned instance, and captures everything
// it registered. Nothing is attached to the live host here: registrations
// are staged on the returned unit, so a failure at any step rolls back by
// construction and never leaves partial registrations behind.
func (l *Loader) Load(ctx context.Context, path string) (*extension.Unit, error) {
	id := extension.Identifier(path)

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindRuntime, Message: fmt.Sprintf("read source: %v", err)}
	}

	prog, err := goja.Compile(path, string(src), true)
	if err != nil {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindSyntax, Message: err.Error()}
	}

	vm := goja.New()
	inst := &scriptInstance{vm: vm}

	if _, err := l.runGuarded(vm, func() (goja.Value, error) { return vm.RunProgram(prog) }); err != nil {
		return nil, scriptError(id, extension.KindRuntime, err)
	}

	setupFn, ok := goja.AssertFunction(vm.Get("setup"))
	if !ok {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract, Missing: []string{"setup"}}
	}

	staged := make(map[string]extension.CommandHandler)
	hostObj := l.hostObject(vm, inst, staged)
	servicesObj := l.servicesObject(vm, id)

	res, err := l.runGuarded(vm, func() (goja.Value, error) {
		return setupFn(goja.Undefined(), hostObj, servicesObj)
	})
	if err != nil {
		// Staged registrations die with this scope; nothing to roll back.
		return nil, scriptError(id, extension.KindRuntime, err)
	}

	unit, err := l.captureUnit(vm, inst, id, res, staged)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("unit loaded", "extension", id,
		"commands", len(unit.Commands), "routes", len(unit.Routes), "jobs", len(unit.Jobs))
	return unit, nil
}

// captureUnit validates the setup return value and fills the unit.
func (l *Loader) captureUnit(vm *goja.Runtime, inst *scriptInstance, id string, res goja.Value, staged map[string]extension.CommandHandler) (*extension.Unit, error) {
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract, Message: "setup returned no instance"}
	}
	obj := res.ToObject(vm)

	var missing []string
	field := func(name string) string {
		v := obj.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) || v.String() == "" {
			missing = append(missing, name)
			return ""
		}
		return v.String()
	}
	info := extension.Info{
		Name:        field("name"),
		Description: field("description"),
		Icon:        field("icon"),
		Version:     field("version"),
	}
	if len(missing) > 0 {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract, Missing: missing}
	}

	routes, err := stringSlice(obj.Get("routes"))
	if err != nil {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract, Message: fmt.Sprintf("routes: %v", err)}
	}

	if fn, ok := goja.AssertFunction(obj.Get("handleRequest")); ok {
		inst.handleRequest = fn
	} else if len(routes) > 0 {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract,
			Message: "routes declared but no handleRequest function"}
	}
	if fn, ok := goja.AssertFunction(obj.Get("cleanup")); ok {
		inst.cleanup = fn
	}

	jobs, err := l.jobSpecs(vm, inst, id, obj.Get("jobs"))
	if err != nil {
		return nil, err
	}

	panel := ""
	if v := obj.Get("panel"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		panel = v.String()
	}

	inst.info = info
	return &extension.Unit{
		Info:     info,
		Instance: inst,
		Commands: staged,
		Routes:   routes,
		Jobs:     jobs,
		Panel:    panel,
	}, nil
}

// hostObject builds the recording command-registration bridge handed to
// setup. Registrations land in the staged map, not on the live host.
func (l *Loader) hostObject(vm *goja.Runtime, inst *scriptInstance, staged map[string]extension.CommandHandler) *goja.Object {
	obj := vm.NewObject()

	obj.Set("registerCommand", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if name == "" || !ok {
			panic(vm.NewTypeError("registerCommand(name, handler) requires a name and a function"))
		}
		staged[name] = inst.commandHandler(fn)
		return goja.Undefined()
	})

	// Idempotent, mirroring the live host surface.
	obj.Set("removeCommand", func(call goja.FunctionCall) goja.Value {
		delete(staged, call.Argument(0).String())
		return goja.Undefined()
	})

	return obj
}

// servicesObject exposes the auxiliary services bundle to the script:
// structured logging, outbound fetch, and namespaced key-value storage.
func (l *Loader) servicesObject(vm *goja.Runtime, id string) *goja.Object {
	obj := vm.NewObject()

	logObj := vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		level := level
		logObj.Set(level, func(call goja.FunctionCall) goja.Value {
			fields, _ := call.Argument(1).Export().(map[string]any)
			l.services.Log(id, level, call.Argument(0).String(), fields)
			return goja.Undefined()
		})
	}
	obj.Set("log", logObj)

	obj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		url := call.Argument(1).String()
		status, body, err := l.fetch(method, url)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		result := vm.NewObject()
		result.Set("status", status)
		result.Set("body", body)
		return result
	})

	kvObj := vm.NewObject()
	kvObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if l.services.KV == nil {
			return goja.Null()
		}
		value, ok, err := l.services.KV.Get(context.Background(), id, call.Argument(0).String())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(value)
	})
	kvObj.Set("set", func(call goja.FunctionCall) goja.Value {
		if l.services.KV == nil {
			return goja.Undefined()
		}
		if err := l.services.KV.Set(context.Background(), id, call.Argument(0).String(), call.Argument(1).String()); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	kvObj.Set("delete", func(call goja.FunctionCall) goja.Value {
		if l.services.KV == nil {
			return goja.Undefined()
		}
		if err := l.services.KV.Delete(context.Background(), id, call.Argument(0).String()); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	obj.Set("kv", kvObj)

	return obj
}

func (l *Loader) fetch(method, url string) (int, string, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := l.services.HTTP.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

// runGuarded executes fn and interrupts the runtime if it exceeds the load
// timeout. Once started the evaluation runs to completion either way; the
// interrupt just turns a wedged script into a load failure.
func (l *Loader) runGuarded(vm *goja.Runtime, fn func() (goja.Value, error)) (goja.Value, error) {
	type result struct {
		val goja.Value
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val, err}
	}()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-time.After(l.timeout):
		vm.Interrupt("load timeout")
		res := <-ch
		if res.err != nil {
			return nil, fmt.Errorf("evaluation timed out after %s: %w", l.timeout, res.err)
		}
		return res.val, fmt.Errorf("evaluation timed out after %s", l.timeout)
	}
}

// scriptError converts a goja error into a LoadError, keeping the script
// traceback when one exists.
func scriptError(id string, kind extension.ErrorKind, err error) *extension.LoadError {
	le := &extension.LoadError{Identifier: id, Kind: kind, Message: err.Error()}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		le.Stack = ex.String()
	}
	return le
}

// stringSlice converts an optional JS array value into []string.
func stringSlice(v goja.Value) ([]string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	raw, ok := v.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings")
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("expected an array of strings")
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// jobSpecs converts the optional jobs array into JobSpecs bound to the
// instance's runtime.
func (l *Loader) jobSpecs(vm *goja.Runtime, inst *scriptInstance, id string, v goja.Value) ([]extension.JobSpec, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	arr := v.ToObject(vm)
	lengthVal := arr.Get("length")
	if lengthVal == nil {
		return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract, Message: "jobs: expected an array"}
	}
	n := int(lengthVal.ToInteger())

	jobs := make([]extension.JobSpec, 0, n)
	for i := 0; i < n; i++ {
		item := arr.Get(fmt.Sprintf("%d", i))
		if item == nil || goja.IsUndefined(item) {
			continue
		}
		jobObj := item.ToObject(vm)
		schedule := jobObj.Get("schedule")
		handler, ok := goja.AssertFunction(jobObj.Get("handler"))
		if schedule == nil || goja.IsUndefined(schedule) || !ok {
			return nil, &extension.LoadError{Identifier: id, Kind: extension.KindContract,
				Message: fmt.Sprintf("jobs[%d]: schedule and handler are required", i)}
		}
		jobID := fmt.Sprintf("job-%d", i)
		if idv := jobObj.Get("id"); idv != nil && !goja.IsUndefined(idv) {
			jobID = idv.String()
		}
		jobs = append(jobs, extension.JobSpec{
			ID:       jobID,
			Schedule: schedule.String(),
			Run:      inst.jobRunner(handler),
		})
	}
	return jobs, nil
}
