package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/drblury/brokerrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
)

// MethodFunc is a registered method. It receives the request parameters undecoded.
// Returning an error that wraps an *rpcerr.Error selects that code; any other error
// is reported to the caller as an internal error.
type MethodFunc func(ctx context.Context, params envelope.Params) (any, error)

// MethodTable maps method names to handlers. Build it once before serving.
type MethodTable struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewMethodTable returns an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{methods: make(map[string]MethodFunc)}
}

// Register adds fn under name. Names are unique within a table.
func (t *MethodTable) Register(name string, fn MethodFunc) error {
	if name == "" {
		return errspkg.ErrMethodRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.methods[name]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateMethod, name)
	}
	t.methods[name] = fn
	return nil
}

// RegisterFunc adapts a plain Go function and registers it under name.
//
// The function may take a leading context.Context. Positional parameters are decoded
// one per argument; a variadic last argument takes the rest. Keyword parameters are
// decoded into the single remaining argument, which must be a struct, a pointer to a
// struct, or a map with string keys; struct fields match on their msgpack tag.
// Go keeps no parameter names, so keywords never bind to separate arguments:
//
//	table.RegisterFunc("add", func(a, b int) int { return a + b })
//	// Args(2, 3) -> 5, Kwargs{"a": 2, "b": 3} -> -32602
//
//	type addParams struct {
//		A int `msgpack:"a"`
//		B int `msgpack:"b"`
//	}
//	table.RegisterFunc("add_kw", func(p addParams) int { return p.A + p.B })
//	// Kwargs{"a": 2, "b": 3} -> 5
//
// Integer arguments do not accept floats.
// The function may return nothing, a value, an error, or a value and an error.
func (t *MethodTable) RegisterFunc(name string, fn any) error {
	method, err := adaptFunc(fn)
	if err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}
	return t.Register(name, method)
}

// Lookup returns the handler registered under name.
func (t *MethodTable) Lookup(name string) (MethodFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.methods[name]
	return fn, ok
}

// Names returns the registered method names in sorted order.
func (t *MethodTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type funcAdapter struct {
	fn         reflect.Value
	withCtx    bool
	args       []reflect.Type
	variadic   bool
	returnsVal bool
	returnsErr bool
}

func adaptFunc(fn any) (MethodFunc, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	v := reflect.ValueOf(fn)
	typ := v.Type()
	if typ.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, got %T", errspkg.ErrInvalidHandler, fn)
	}

	a := &funcAdapter{fn: v, variadic: typ.IsVariadic()}
	for i := 0; i < typ.NumIn(); i++ {
		in := typ.In(i)
		if i == 0 && in == contextType {
			a.withCtx = true
			continue
		}
		a.args = append(a.args, in)
	}

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			a.returnsErr = true
		} else {
			a.returnsVal = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, fmt.Errorf("%w: second result must be an error", errspkg.ErrInvalidHandler)
		}
		a.returnsVal = true
		a.returnsErr = true
	default:
		return nil, fmt.Errorf("%w: at most two results are supported", errspkg.ErrInvalidHandler)
	}

	return a.call, nil
}

func (a *funcAdapter) call(ctx context.Context, params envelope.Params) (any, error) {
	var in []reflect.Value
	if a.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	decoded, err := a.decode(params)
	if err != nil {
		return nil, err
	}
	in = append(in, decoded...)

	out := a.fn.Call(in)

	var result any
	if a.returnsVal {
		result = out[0].Interface()
	}
	if a.returnsErr {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	return result, nil
}

func (a *funcAdapter) decode(params envelope.Params) ([]reflect.Value, error) {
	if params.IsNamed() {
		return a.decodeNamed(params.Named)
	}
	return a.decodePositional(params.Positional)
}

func (a *funcAdapter) decodePositional(values []envelope.Value) ([]reflect.Value, error) {
	fixed := len(a.args)
	if a.variadic {
		fixed--
		if len(values) < fixed {
			return nil, invalidParams("expected at least %d parameters, got %d", fixed, len(values))
		}
	} else if len(values) != fixed {
		return nil, invalidParams("expected %d parameters, got %d", fixed, len(values))
	}

	out := make([]reflect.Value, 0, len(values))
	for i, value := range values {
		typ := a.argType(i)
		ptr := reflect.New(typ)
		if err := value.Decode(ptr.Interface()); err != nil {
			return nil, invalidParams("parameter %d: %v", i, err)
		}
		out = append(out, ptr.Elem())
	}
	return out, nil
}

func (a *funcAdapter) argType(i int) reflect.Type {
	if a.variadic && i >= len(a.args)-1 {
		return a.args[len(a.args)-1].Elem()
	}
	return a.args[i]
}

func (a *funcAdapter) decodeNamed(values map[string]envelope.Value) ([]reflect.Value, error) {
	if len(a.args) != 1 || a.variadic || !acceptsNamed(a.args[0]) {
		return nil, invalidParams("keyword parameters are not supported by this method")
	}

	raw := make(map[string]msgpack.RawMessage, len(values))
	for k, v := range values {
		raw[k] = msgpack.RawMessage(v)
	}
	encoded, err := msgpack.Marshal(raw)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	ptr := reflect.New(a.args[0])
	if err := msgpack.Unmarshal(encoded, ptr.Interface()); err != nil {
		return nil, invalidParams("%v", err)
	}
	return []reflect.Value{ptr.Elem()}, nil
}

func acceptsNamed(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Struct:
		return true
	case reflect.Pointer:
		return typ.Elem().Kind() == reflect.Struct
	case reflect.Map:
		return typ.Key().Kind() == reflect.String
	default:
		return false
	}
}

// invalidParams builds an error that is reported as -32602 while keeping the detail
// for the server log.
func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{rpcerr.ErrInvalidParams}, args...)...)
}
