package backend

import (
	"context"
	"io/fs"
	"time"

	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

// Status is a backend's view of a submitted job. The lifecycle manager maps
// it onto the persisted job state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Handle identifies a submitted job on its execution surface. RemoteID is
// backend-native: a batch scheduler job number, a shell pid, an orchestrator
// job name.
type Handle struct {
	JobID    string
	RemoteID string
	WorkDir  string
}

// Artifact is the backend-native submission unit built for one job: a batch
// script, a shell script, or a rendered orchestrator manifest.
type Artifact struct {
	Name    string
	Content []byte
	Mode    fs.FileMode
}

// Backend adapts the abstract "run this payload with these resources"
// request to one execution surface. Implementations are constructed per
// execution target and hold its connection parameters.
type Backend interface {
	// Kind names the execution surface family (local, shell, slurm, pbs, kube).
	Kind() string

	// Slots reports the target's usable worker slots at planning time.
	Slots(ctx context.Context) (int, error)

	// Connect opens the job's private transfer channel. Channels are never
	// shared between jobs.
	Connect(ctx context.Context, job *model.Job) (transfer.Channel, error)

	// BuildArtifact renders the submission unit, translating the work unit's
	// resource spec into backend-native directives.
	BuildArtifact(job *model.Job, wu *task.WorkUnit) (Artifact, error)

	// Submit hands the uploaded artifact to the surface and returns the
	// handle with its backend-native identifier filled in.
	Submit(ctx context.Context, ch transfer.Channel, h Handle, art Artifact) (Handle, error)

	// Poll reports the job's current status. Poll is idempotent, causes no
	// remote side effects, and must not assume log files exist before the
	// first non-pending report.
	Poll(ctx context.Context, ch transfer.Channel, h Handle) (Status, error)

	// FetchLogs returns the job's log text so far, or "" when none exists yet.
	FetchLogs(ctx context.Context, ch transfer.Channel, h Handle) (string, error)

	// Cancel stops the job. Cancelling an already-terminal job is a no-op.
	Cancel(ctx context.Context, ch transfer.Channel, h Handle) error

	// RemoteRoot is the directory per-job work dirs are created under.
	RemoteRoot() string

	// PollInterval is the backend's preferred polling cadence; zero defers
	// to the engine default.
	PollInterval() time.Duration
}
