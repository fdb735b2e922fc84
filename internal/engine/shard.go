package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/offloadlabs/offload/internal/config"
	"github.com/offloadlabs/offload/internal/planner"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
)

// MappedHandles tracks the per-shard jobs of one fanned-out invocation.
type MappedHandles struct {
	Handles []*JobHandle
}

// Cancel requests cancellation of every shard.
func (m *MappedHandles) Cancel() {
	for _, h := range m.Handles {
		h.Cancel()
	}
}

// RunMapped fans call out over [0, call.N) according to the target's worker
// slots, waits for every shard, and concatenates the per-shard result slices
// in shard order. Fail-fast cancels the surviving shards on the first
// failure and returns it; best-effort waits all shards out and joins every
// failure.
func (e *Engine) RunMapped(ctx context.Context, call MappedCall) (any, error) {
	m, plan, err := e.SubmitMapped(ctx, call)
	if err != nil {
		return nil, err
	}

	policy := call.Policy
	if policy == "" {
		policy = e.cfg.ShardPolicy
	}

	values := make([]any, len(m.Handles))
	errs := make([]error, len(m.Handles))

	if policy == config.ShardFailFast {
		done := make(chan int, len(m.Handles))
		for i, h := range m.Handles {
			go func(i int, h *JobHandle) {
				values[i], errs[i] = h.Wait(context.Background())
				done <- i
			}(i, h)
		}
		var firstErr error
		for range m.Handles {
			var i int
			select {
			case <-ctx.Done():
				m.Cancel()
				return nil, ctx.Err()
			case i = <-done:
			}
			if errs[i] != nil && firstErr == nil {
				firstErr = fmt.Errorf("shard %d: %w", m.Handles[i].Shard, errs[i])
				m.Cancel()
			}
		}
		if firstErr != nil {
			return nil, firstErr
		}
	} else {
		for i, h := range m.Handles {
			values[i], errs[i] = h.Wait(ctx)
			if ctx.Err() != nil {
				m.Cancel()
				return nil, ctx.Err()
			}
			if errs[i] != nil {
				errs[i] = fmt.Errorf("shard %d: %w", h.Shard, errs[i])
			}
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	}

	return concatResults(plan, values)
}

// SubmitMapped plans the fan-out and submits one job per shard, returning
// without waiting. Shard i of the returned handles covers plan.Shards[i].
func (e *Engine) SubmitMapped(ctx context.Context, call MappedCall) (*MappedHandles, *planner.Plan, error) {
	if !e.tasks.Mappable(call.Task) {
		return nil, nil, fmt.Errorf("task %q is not mappable", call.Task)
	}
	if call.N <= 0 {
		return nil, nil, fmt.Errorf("mapped call needs n > 0, got %d", call.N)
	}
	if err := call.Resources.Validate(); err != nil {
		return nil, nil, err
	}

	target, b, err := e.resolve(call.Target)
	if err != nil {
		return nil, nil, err
	}

	slots := 1
	if call.Resources.FanOut || call.Resources.GPUFanOut {
		slots, err = b.Slots(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("query slots of %s: %w", call.Target, err)
		}
	}
	devices := 0
	if call.Resources.GPUFanOut {
		devices = target.GPUSlots
	}

	plan, err := planner.Compute(call.N, slots, devices)
	if err != nil {
		return nil, nil, err
	}

	enc := task.ChooseEncoding(runner.BuildTag(), target.RuntimeTag)
	timeout := e.timeoutFor(call.Call)

	m := &MappedHandles{Handles: make([]*JobHandle, 0, len(plan.Shards))}
	for i, shard := range plan.Shards {
		wu, err := e.tasks.Capture(call.Task, call.Args, call.Kwargs, call.Resources, enc)
		if err != nil {
			m.Cancel()
			return nil, nil, err
		}
		sh := shard
		wu.Shard = &sh

		h, err := e.submitUnit(ctx, wu, target, b, i, len(plan.Shards), timeout)
		if err != nil {
			m.Cancel()
			return nil, nil, fmt.Errorf("submit shard %d: %w", i, err)
		}
		m.Handles = append(m.Handles, h)
	}
	return m, plan, nil
}

// concatResults stitches per-shard slices back into one slice covering
// [0, N) in index order. A kernel with no return value yields nil.
func concatResults(plan *planner.Plan, values []any) (any, error) {
	var out reflect.Value
	for i, v := range values {
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("shard %d returned %T, want a slice", i, v)
		}
		if !out.IsValid() {
			out = reflect.MakeSlice(rv.Type(), 0, plan.N)
		}
		out = reflect.AppendSlice(out, rv)
	}
	if !out.IsValid() {
		return nil, nil
	}
	return out.Interface(), nil
}
