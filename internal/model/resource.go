package model

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ResourceSpec declares what a job needs from its execution target.
// Memory is a human-readable string ("4G", "512MB"); each backend translates
// it into its own directive format.
type ResourceSpec struct {
	Cores     int               `json:"cores,omitempty"`
	Memory    string            `json:"memory,omitempty"`
	TimeLimit time.Duration     `json:"time_limit,omitempty"`
	Partition string            `json:"partition,omitempty"`
	GPUs      int               `json:"gpus,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	// SetupCommands run on the remote side before the job starts, after the
	// backend's own environment bootstrap.
	SetupCommands []string `json:"setup_commands,omitempty"`
	// TwoStage forces the split deserialize/execute bridge on the remote side.
	TwoStage bool `json:"two_stage,omitempty"`
	// FanOut allows a mappable task to be sharded across worker slots.
	// GPUFanOut additionally spreads shards across accelerator devices.
	FanOut    bool `json:"fan_out,omitempty"`
	GPUFanOut bool `json:"gpu_fan_out,omitempty"`
}

// MemoryBytes parses the Memory field. A zero value means "no request".
func (r ResourceSpec) MemoryBytes() (uint64, error) {
	if r.Memory == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(r.Memory)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", r.Memory, err)
	}
	return n, nil
}

// Validate checks that the spec is internally consistent.
func (r ResourceSpec) Validate() error {
	if r.Cores < 0 {
		return fmt.Errorf("cores must be >= 0, got %d", r.Cores)
	}
	if r.GPUs < 0 {
		return fmt.Errorf("gpus must be >= 0, got %d", r.GPUs)
	}
	if r.TimeLimit < 0 {
		return fmt.Errorf("time limit must be >= 0, got %s", r.TimeLimit)
	}
	if _, err := r.MemoryBytes(); err != nil {
		return err
	}
	if r.GPUFanOut && r.GPUs == 0 {
		return fmt.Errorf("gpu fan-out requires gpus > 0")
	}
	return nil
}
