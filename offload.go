// Package offload runs registered Go functions on remote execution targets:
// the local machine, a shell host over SSH, Slurm and PBS batch queues, or a
// Kubernetes cluster. Arguments are serialized into a work unit, shipped to
// the target, executed by a runner binary built from the same module, and
// the return value is fetched back.
//
// Tasks are registered ahead of time under stable names:
//
//	offload.MustRegister("demo.add", func(a, b int) (int, error) { ... })
//
// and invoked through an Engine wired to one or more targets:
//
//	eng := offload.NewEngine(cfg, st, logger)
//	eng.AddTarget(target, offload.NewSlurmBackend(target, logger))
//	v, err := eng.Run(ctx, offload.Call{Task: "demo.add", Args: []any{7, 11}, Target: "cluster"})
package offload

import (
	"log/slog"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/backend/batch"
	"github.com/offloadlabs/offload/internal/backend/kube"
	"github.com/offloadlabs/offload/internal/backend/localexec"
	"github.com/offloadlabs/offload/internal/backend/shell"
	"github.com/offloadlabs/offload/internal/config"
	"github.com/offloadlabs/offload/internal/engine"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/store"
	"github.com/offloadlabs/offload/internal/task"
)

// Core types.
type (
	Config        = config.Config
	Engine        = engine.Engine
	Call          = engine.Call
	MappedCall    = engine.MappedCall
	JobHandle     = engine.JobHandle
	MappedHandles = engine.MappedHandles
	Job           = model.Job
	ResourceSpec  = model.ResourceSpec
	Target        = model.Target
	Backend       = backend.Backend
	Store         = store.Store
	TaskRegistry  = task.Registry
)

// Error kinds surfaced by job execution. Inspect with errors.As.
type (
	ConnectionError      = model.ConnectionError
	ProvisioningError    = model.ProvisioningError
	SubmissionError      = model.SubmissionError
	TimeoutError         = model.TimeoutError
	RemoteExecutionError = model.RemoteExecutionError
	ResultMissingError   = model.ResultMissingError
)

// Target kinds.
const (
	KindLocal = model.KindLocal
	KindShell = model.KindShell
	KindSlurm = model.KindSlurm
	KindPBS   = model.KindPBS
	KindKube  = model.KindKube
)

// Shard failure policies for fanned-out calls.
const (
	ShardFailFast   = config.ShardFailFast
	ShardBestEffort = config.ShardBestEffort
)

// LoadConfig reads configuration from the environment.
func LoadConfig() Config { return config.Load() }

// NewEngine creates an engine over the given store using the default task
// registry.
func NewEngine(cfg Config, st Store, logger *slog.Logger) *Engine {
	return engine.New(cfg, st, task.Default, logger)
}

// NewStore opens the SQLite job store at dbPath.
func NewStore(dbPath string) (Store, error) { return store.NewSQLiteStore(dbPath) }

// Register adds fn to the default task registry under name.
func Register(name string, fn any) error { return task.Default.Register(name, fn) }

// MustRegister is Register that panics on error, for package init blocks.
func MustRegister(name string, fn any) { task.Default.MustRegister(name, fn) }

// RegisterMappable adds a per-index kernel whose first non-context parameter
// is the iteration index, enabling fan-out through Engine.RunMapped.
func RegisterMappable(name string, fn any) error { return task.Default.RegisterMappable(name, fn) }

// MustRegisterMappable is RegisterMappable that panics on error.
func MustRegisterMappable(name string, fn any) { task.Default.MustRegisterMappable(name, fn) }

// NewLocalBackend executes jobs in-process on this machine. Work dirs are
// created under root; empty root uses the system temp directory.
func NewLocalBackend(root string, logger *slog.Logger) Backend {
	return localexec.New(task.Default, root, logger)
}

// NewShellBackend executes jobs on a plain SSH host under nohup.
func NewShellBackend(target Target, logger *slog.Logger) Backend {
	return shell.New(target, logger)
}

// NewSlurmBackend submits jobs to a Slurm cluster over SSH.
func NewSlurmBackend(target Target, logger *slog.Logger) Backend {
	return batch.NewSlurm(target, logger)
}

// NewPBSBackend submits jobs to a PBS/Torque cluster over SSH.
func NewPBSBackend(target Target, logger *slog.Logger) Backend {
	return batch.NewPBS(target, logger)
}

// NewKubeBackend submits jobs to a Kubernetes cluster as batch Jobs.
func NewKubeBackend(target Target, logger *slog.Logger) (Backend, error) {
	return kube.New(target, logger)
}

// RunnerMain is the entry point for custom runner binaries: a main package
// that registers its tasks and calls RunnerMain becomes a deployable runner.
func RunnerMain() { runner.Main(task.Default) }
