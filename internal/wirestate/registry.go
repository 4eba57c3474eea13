package wirestate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

// funcType and Registry are adapted from the teacher's reflection-based
// service registration (handler_manager.go and handlers.go carried the
// same type under two names — a pack artifact; consolidated here into one).
// A handler is registered as a bound func value, keyed by a binder command
// code rather than by method name, and its argument/reply types ride the
// wire JSON-encoded instead of gorpc's pluggable ClientCodec/ServerCodec.
type funcType struct {
	fn        reflect.Value
	argType   reflect.Type
	replyType reflect.Type
	numIn     int
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func newFuncType(fn interface{}) (*funcType, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("wirestate: %v is not a function", t)
	}
	if t.NumIn() != 2 && t.NumIn() != 3 {
		return nil, fmt.Errorf("wirestate: handler %v has %d input parameters; needs exactly two or three", t, t.NumIn())
	}
	if t.NumIn() == 3 && !t.In(2).ConvertibleTo(contextType) {
		return nil, fmt.Errorf("wirestate: handler %v's third parameter must accept a context.Context", t)
	}
	if t.In(1).Kind() != reflect.Ptr {
		return nil, fmt.Errorf("wirestate: handler %v's reply parameter is not a pointer", t)
	}
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return nil, fmt.Errorf("wirestate: handler %v must return exactly one error value", t)
	}
	return &funcType{fn: v, argType: t.In(0), replyType: t.In(1), numIn: t.NumIn()}, nil
}

func (f *funcType) invoke(ctx context.Context, payload []byte) ([]byte, error) {
	argv := reflect.New(f.argType)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return nil, fmt.Errorf("wirestate: decode argument: %w", err)
		}
	}
	replyv := reflect.New(f.replyType.Elem())

	args := []reflect.Value{argv.Elem(), replyv}
	if f.numIn == 3 {
		args = append(args, reflect.ValueOf(ctx))
	}
	out := f.fn.Call(args)
	if errv := out[0].Interface(); errv != nil {
		return nil, errv.(error)
	}
	return json.Marshal(replyv.Interface())
}

// Registry maps a binder command code to a registered handler.
type Registry struct {
	methods map[uint32]*funcType
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[uint32]*funcType)}
}

// Register installs fn under code. fn must have the shape
// func(ArgType, *ReplyType) error or func(ArgType, *ReplyType, context.Context) error.
func (r *Registry) Register(code uint32, fn interface{}) error {
	ft, err := newFuncType(fn)
	if err != nil {
		return err
	}
	r.methods[code] = ft
	return nil
}

func (r *Registry) invoke(ctx context.Context, code uint32, payload []byte) ([]byte, error) {
	ft, ok := r.methods[code]
	if !ok {
		return nil, fmt.Errorf("wirestate: no handler registered for code %d: %w", code, os.ErrInvalid)
	}
	return ft.invoke(ctx, payload)
}
