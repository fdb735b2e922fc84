package task

import (
	"context"
	"fmt"
	"reflect"
)

// Invoke reconstructs the call described by a work unit and executes it.
// For mappable tasks the work unit must carry a shard range; the kernel runs
// once per index in [Start, End) and the results are collected into a slice
// in index order. The returned error is the task's own failure, unwrapped —
// callers decide how to package it.
func (r *Registry) Invoke(ctx context.Context, wu *WorkUnit) (any, error) {
	e, err := r.lookup(wu.Task)
	if err != nil {
		return nil, err
	}

	args, err := r.decodeArgs(e, wu)
	if err != nil {
		return nil, err
	}

	if !e.mappable {
		if wu.Shard != nil {
			return nil, fmt.Errorf("task %q: shard range on a non-mappable task", wu.Task)
		}
		return call(ctx, e, nil, args)
	}

	if wu.Shard == nil {
		return nil, fmt.Errorf("task %q: mappable task without a shard range", wu.Task)
	}
	if wu.Shard.End < wu.Shard.Start {
		return nil, fmt.Errorf("task %q: invalid shard range [%d,%d)", wu.Task, wu.Shard.Start, wu.Shard.End)
	}

	// Mappable kernels yield one value per index; collect into a typed slice.
	var results reflect.Value
	if e.retType != nil {
		results = reflect.MakeSlice(reflect.SliceOf(e.retType), 0, wu.Shard.End-wu.Shard.Start)
	}
	for i := wu.Shard.Start; i < wu.Shard.End; i++ {
		idx := i
		out, err := call(ctx, e, &idx, args)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		if e.retType != nil {
			results = reflect.Append(results, reflect.ValueOf(out))
		}
	}
	if e.retType == nil {
		return nil, nil
	}
	return results.Interface(), nil
}

// decodeArgs rebuilds the positional argument list from the work unit's
// blobs, applying keyword arguments onto the trailing options struct.
func (r *Registry) decodeArgs(e *entry, wu *WorkUnit) ([]reflect.Value, error) {
	nPos := len(wu.Args)
	nParams := len(e.params)
	hasKwargs := len(wu.Kwargs) > 0
	if hasKwargs {
		if optionsParam(e) == nil {
			return nil, fmt.Errorf("task %q: keyword arguments without an options struct", wu.Task)
		}
		if nPos != nParams-1 {
			return nil, fmt.Errorf("task %q: got %d positional args with kwargs, want %d", wu.Task, nPos, nParams-1)
		}
	} else if nPos != nParams {
		return nil, fmt.Errorf("task %q: got %d args, want %d", wu.Task, nPos, nParams)
	}

	args := make([]reflect.Value, nParams)
	for i, blob := range wu.Args {
		ptr := reflect.New(e.params[i])
		if err := decodeInto(wu.Encoding, blob, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("task %q: arg %d: %w", wu.Task, i, err)
		}
		args[i] = ptr.Elem()
	}

	if hasKwargs {
		optType := e.params[nParams-1]
		opt := reflect.New(optType).Elem()
		for k, blob := range wu.Kwargs {
			f, ok := optType.FieldByName(k)
			if !ok || !f.IsExported() {
				return nil, fmt.Errorf("task %q: no option field %q", wu.Task, k)
			}
			ptr := reflect.New(f.Type)
			if err := decodeInto(wu.Encoding, blob, ptr.Interface()); err != nil {
				return nil, fmt.Errorf("task %q: option %q: %w", wu.Task, k, err)
			}
			opt.FieldByIndex(f.Index).Set(ptr.Elem())
		}
		args[nParams-1] = opt
	}

	return args, nil
}

// call performs one reflected invocation. index is non-nil for mappable
// kernels.
func call(ctx context.Context, e *entry, index *int, args []reflect.Value) (any, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	if e.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	if index != nil {
		in = append(in, reflect.ValueOf(*index))
	}
	in = append(in, args...)

	out := e.fn.Call(in)

	if e.hasErr {
		if errV := out[len(out)-1]; !errV.IsNil() {
			return nil, errV.Interface().(error)
		}
	}
	if e.retType != nil {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// DecodeResult decodes a successful envelope's value into the named task's
// return type. Mappable tasks yield a slice of the kernel's return type.
func (r *Registry) DecodeResult(name string, env *ResultEnvelope) (any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if e.retType == nil {
		return nil, nil
	}
	t := e.retType
	if e.mappable {
		t = reflect.SliceOf(t)
	}
	ptr := reflect.New(t)
	if err := decodeInto(env.Encoding, env.Value, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode result of task %q: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}
