// Package planner decides how a mappable invocation fans out across the
// usable worker or accelerator slots of an execution target. Fan-out is an
// explicit contract: the caller registers a per-index kernel and states the
// iteration length, and the planner partitions the index range — nothing is
// inferred from source shape.
package planner

import (
	"fmt"

	"github.com/offloadlabs/offload/internal/task"
)

// Plan is an ordered list of shards covering [0, N). Shard i's results are
// reassembled before shard i+1's regardless of completion order.
type Plan struct {
	N      int
	Shards []task.ShardRange
}

// SingleShot reports whether the plan degenerated to one shard.
func (p *Plan) SingleShot() bool {
	return len(p.Shards) == 1
}

// Compute partitions [0, n) into min(slots, n) contiguous, ceiling-divided
// shards. devices > 0 assigns each shard a device affinity hint by cycling
// device indices; devices <= 0 leaves every shard unpinned (-1).
//
// slots <= 1 yields a single shard covering the whole range: with one usable
// slot fan-out buys nothing, so the invocation stays single-shot.
func Compute(n, slots, devices int) (*Plan, error) {
	if n <= 0 {
		return nil, fmt.Errorf("iteration length must be > 0, got %d", n)
	}

	count := slots
	if count > n {
		count = n
	}
	if count < 1 {
		count = 1
	}

	plan := &Plan{N: n, Shards: make([]task.ShardRange, 0, count)}

	// First (n mod count) shards take one extra index, so sizes differ by at
	// most one and the ranges stay contiguous with no overlap or gap.
	base := n / count
	rem := n % count
	start := 0
	for i := 0; i < count; i++ {
		size := base
		if i < rem {
			size++
		}
		device := -1
		if devices > 0 {
			device = i % devices
		}
		plan.Shards = append(plan.Shards, task.ShardRange{
			Start:  start,
			End:    start + size,
			Device: device,
		})
		start += size
	}

	return plan, nil
}
