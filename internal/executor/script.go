package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/logging"
)

// MaxScriptSize bounds the source of a script facet.
const MaxScriptSize = 256 * 1024

const loadTimeout = time.Second

// Globals installed into every script runtime. They never count as entry
// points.
var reservedGlobals = map[string]bool{
	"storage": true,
	"payload": true,
	"console": true,
}

// Script is a JavaScript facet. Every top-level function is an entry point
// whose selector is diamond.SelectorOf(functionName). The function receives
// the raw payload as a string and may use the storage global:
//
//	storage.get(key)        // string or null
//	storage.put(key, value) // non-string values are stored as JSON
//	storage.del(key)
//
// A string result is returned as is, undefined and null as no output, and
// anything else as JSON.
type Script struct {
	name    string
	source  string
	program *goja.Program
	entries map[diamond.Selector]string
	log     *logging.Logger
}

// CompileScript parses source and discovers its entry points. Top-level code
// runs once here, so it must only declare functions and constants.
func CompileScript(name, source string) (*Script, error) {
	if len(source) > MaxScriptSize {
		return nil, fmt.Errorf("%w: %s exceeds maximum size of %d bytes", ErrInvalidScript, name, MaxScriptSize)
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrInvalidScript, name, err)
	}

	s := &Script{
		name:    name,
		source:  source,
		program: program,
		entries: make(map[diamond.Selector]string),
		log:     logging.NewDefault("script"),
	}

	vm := goja.New()
	timer := time.AfterFunc(loadTimeout, func() { vm.Interrupt("load timeout") })
	defer timer.Stop()
	if err := s.install(vm, newOverlay(NewState(nil)), nil); err != nil {
		return nil, err
	}
	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrInvalidScript, name, err)
	}
	for _, key := range vm.GlobalObject().Keys() {
		if reservedGlobals[key] {
			continue
		}
		if _, ok := goja.AssertFunction(vm.Get(key)); !ok {
			continue
		}
		sel := diamond.SelectorOf(key)
		if other, dup := s.entries[sel]; dup {
			return nil, fmt.Errorf("%w: %s: entries %q and %q share selector %s", ErrInvalidScript, name, other, key, sel)
		}
		s.entries[sel] = key
	}
	if len(s.entries) == 0 {
		return nil, fmt.Errorf("%w: %s declares no functions", ErrInvalidScript, name)
	}
	return s, nil
}

func (s *Script) Kind() string { return KindScript }

// Name returns the name the script was compiled with.
func (s *Script) Name() string { return s.name }

// Source returns the script source.
func (s *Script) Source() string { return s.source }

// Selectors implements Module.
func (s *Script) Selectors() []diamond.Selector {
	return sortedSelectors(s.entries)
}

// EntryName returns the function name behind sel.
func (s *Script) EntryName(sel diamond.Selector) (string, bool) {
	name, ok := s.entries[sel]
	return name, ok
}

// Call runs the entry point in a fresh runtime. The runtime is interrupted
// when ctx is done.
func (s *Script) Call(ctx context.Context, st Storage, entry diamond.Selector, payload []byte) ([]byte, error) {
	fnName, ok := s.entries[entry]
	if !ok {
		return nil, fmt.Errorf("%w: %s in script %s", ErrEntryNotFound, entry, s.name)
	}

	vm := goja.New()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	if err := s.install(vm, st, payload); err != nil {
		return nil, err
	}
	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, s.wrap(fnName, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(fnName))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a function", ErrEntryNotFound, fnName)
	}
	result, err := fn(goja.Undefined(), vm.ToValue(string(payload)))
	if err != nil {
		return nil, s.wrap(fnName, err)
	}
	return exportResult(result)
}

func (s *Script) wrap(fnName string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %s.%s: %v", ErrInterrupted, s.name, fnName, interrupted.Value())
	}
	return fmt.Errorf("script %s.%s: %w", s.name, fnName, err)
}

// install sets the storage, payload and console globals.
func (s *Script) install(vm *goja.Runtime, st Storage, payload []byte) error {
	store := vm.NewObject()
	if err := store.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := st.Get(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(string(v))
	}); err != nil {
		return err
	}
	if err := store.Set("put", func(call goja.FunctionCall) goja.Value {
		value, err := encodeValue(call.Argument(1))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		st.Put(call.Argument(0).String(), value)
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := store.Set("del", func(call goja.FunctionCall) goja.Value {
		st.Delete(call.Argument(0).String())
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("storage", store); err != nil {
		return fmt.Errorf("failed to set storage: %w", err)
	}
	if err := vm.Set("payload", string(payload)); err != nil {
		return fmt.Errorf("failed to set payload: %w", err)
	}

	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		s.log.WithField("script", s.name).Debug(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return vm.Set("console", console)
}

func encodeValue(v goja.Value) ([]byte, error) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("storage.put: value is required")
	}
	if str, ok := v.Export().(string); ok {
		return []byte(str), nil
	}
	return json.Marshal(v.Export())
}

func exportResult(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x), nil
	case goja.ArrayBuffer:
		return x.Bytes(), nil
	default:
		out, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode script result: %w", err)
		}
		return out, nil
	}
}
