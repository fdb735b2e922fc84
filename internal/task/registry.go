package task

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// entry holds the reflected shape of one registered task function.
type entry struct {
	fn       reflect.Value
	takesCtx bool
	mappable bool
	// params are the declared argument types, excluding any leading
	// context.Context and, for mappable tasks, the index parameter.
	params  []reflect.Type
	retType reflect.Type // non-error return type, nil if the task returns nothing
	hasErr  bool
}

// Registry is the ahead-of-time name→function lookup table. Work is shipped
// across the process boundary as a task name plus serialized arguments, so
// both the submitting process and the remote runner must register the same
// tasks under the same names.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*entry)}
}

// Default is the registry used by the root package helpers and the stock
// runner binary. Programs embed their task packages and register into it
// from init functions, the same way database/sql drivers register.
var Default = NewRegistry()

// Register adds an ordinary function under the given name. The function may
// optionally take a leading context.Context, must have serializable
// parameters, and may return (T), (T, error), (error), or nothing.
func (r *Registry) Register(name string, fn any) error {
	return r.register(name, fn, false)
}

// RegisterMappable adds a per-index kernel: a function whose first
// non-context parameter is the index int. A fanned-out invocation calls the
// kernel once per index in the shard's range and concatenates the results.
func (r *Registry) RegisterMappable(name string, fn any) error {
	return r.register(name, fn, true)
}

func (r *Registry) register(name string, fn any, mappable bool) error {
	if name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return fmt.Errorf("task %q: expected a function, got %s", name, t.Kind())
	}

	e := &entry{fn: v, mappable: mappable}

	in := 0
	if t.NumIn() > in && t.In(in) == ctxType {
		e.takesCtx = true
		in++
	}
	if mappable {
		if t.NumIn() <= in || t.In(in).Kind() != reflect.Int {
			return fmt.Errorf("task %q: mappable functions take an int index as first argument", name)
		}
		in++
	}
	for ; in < t.NumIn(); in++ {
		e.params = append(e.params, t.In(in))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errType {
			e.hasErr = true
		} else {
			e.retType = t.Out(0)
		}
	case 2:
		if t.Out(1) != errType {
			return fmt.Errorf("task %q: second return value must be error", name)
		}
		e.retType = t.Out(0)
		e.hasErr = true
	default:
		return fmt.Errorf("task %q: at most two return values are supported", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q is already registered", name)
	}
	r.tasks[name] = e
	return nil
}

// MustRegister is Register but panics on error, for use in init functions.
func (r *Registry) MustRegister(name string, fn any) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// MustRegisterMappable is RegisterMappable but panics on error.
func (r *Registry) MustRegisterMappable(name string, fn any) {
	if err := r.RegisterMappable(name, fn); err != nil {
		panic(err)
	}
}

// Mappable reports whether the named task was registered as a per-index kernel.
func (r *Registry) Mappable(name string) bool {
	e, err := r.lookup(name)
	return err == nil && e.mappable
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", name)
	}
	return e, nil
}
