// Package localexec adapts the engine to the local machine. Jobs execute
// in-process through the same stage-A runner path the remote surfaces use,
// against a real work dir on the local filesystem, so the full payload →
// artifact → result round trip is exercised without leaving the host.
package localexec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/model"
	rrunner "github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

// Interactive backend: poll fast.
const pollInterval = 200 * time.Millisecond

// localJob tracks one in-flight in-process execution.
type localJob struct {
	cancel   context.CancelFunc
	twoStage bool

	mu     sync.Mutex
	status backend.Status
}

func (j *localJob) set(st backend.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Terminal wins; a late cancel must not regress a finished job.
	if j.status == backend.StatusSucceeded || j.status == backend.StatusFailed {
		return
	}
	j.status = st
}

func (j *localJob) get() backend.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Backend runs jobs on the local machine.
type Backend struct {
	reg    *task.Registry
	logger *slog.Logger
	root   string

	mu   sync.Mutex
	jobs map[string]*localJob
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local backend executing tasks from reg. Work dirs are
// created under root; empty root uses the system temp directory.
func New(reg *task.Registry, root string, logger *slog.Logger) *Backend {
	if root == "" {
		root = os.TempDir()
	}
	return &Backend{
		reg:    reg,
		logger: logger,
		root:   root,
		jobs:   make(map[string]*localJob),
	}
}

func (b *Backend) Kind() string { return model.KindLocal }

func (b *Backend) Slots(_ context.Context) (int, error) {
	return runtime.NumCPU(), nil
}

func (b *Backend) Connect(_ context.Context, _ *model.Job) (transfer.Channel, error) {
	return transfer.NewLocalChannel(), nil
}

func (b *Backend) RemoteRoot() string { return b.root }

func (b *Backend) PollInterval() time.Duration { return pollInterval }

// BuildArtifact records the job's execution options and renders a script
// equivalent of what would run, keeping the on-disk work dir layout uniform
// with the remote surfaces.
func (b *Backend) BuildArtifact(job *model.Job, wu *task.WorkUnit) (backend.Artifact, error) {
	b.mu.Lock()
	b.jobs[job.ID] = &localJob{status: backend.StatusPending, twoStage: wu.Resources.TwoStage}
	b.mu.Unlock()

	script := "#!/bin/sh\n# executed in-process by the local backend\n"
	return backend.Artifact{
		Name:    rrunner.ScriptFile,
		Content: []byte(script),
		Mode:    0o755,
	}, nil
}

// Submit launches stage A in a goroutine. The goroutine owns the job's
// status; Poll only ever reads it.
func (b *Backend) Submit(_ context.Context, _ transfer.Channel, h backend.Handle, _ backend.Artifact) (backend.Handle, error) {
	b.mu.Lock()
	j, ok := b.jobs[h.JobID]
	b.mu.Unlock()
	if !ok {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: model.KindLocal,
			Err:     fmt.Errorf("no artifact built for job"),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.set(backend.StatusRunning)

	go func() {
		defer cancel()
		err := rrunner.ExecuteStageA(ctx, b.reg, rrunner.Options{
			WorkDir:  h.WorkDir,
			TwoStage: j.twoStage,
		})
		if err != nil {
			b.logger.Error("local job failed", "job_id", h.JobID, "error", err)
			j.set(backend.StatusFailed)
			return
		}
		j.set(backend.StatusSucceeded)
	}()

	h.RemoteID = h.JobID
	return h, nil
}

func (b *Backend) Poll(_ context.Context, _ transfer.Channel, h backend.Handle) (backend.Status, error) {
	b.mu.Lock()
	j, ok := b.jobs[h.JobID]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown local job %s", h.JobID)
	}
	return j.get(), nil
}

func (b *Backend) FetchLogs(ctx context.Context, ch transfer.Channel, h backend.Handle) (string, error) {
	data, err := ch.Fetch(ctx, h.WorkDir+"/"+rrunner.LogFile)
	if err != nil {
		// In-process execution writes no log file unless the task does.
		return "", nil
	}
	return string(data), nil
}

func (b *Backend) Cancel(_ context.Context, _ transfer.Channel, h backend.Handle) error {
	b.mu.Lock()
	j, ok := b.jobs[h.JobID]
	b.mu.Unlock()
	if !ok || j.cancel == nil {
		return nil
	}
	j.cancel()
	if j.get() == backend.StatusRunning || j.get() == backend.StatusPending {
		j.set(backend.StatusFailed)
	}
	return nil
}
