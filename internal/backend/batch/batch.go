// Package batch adapts the engine to batch-queue scheduler families (SLURM,
// PBS). All scheduler-specific translation is table-driven through Dialect;
// submission, polling, and cancellation run over the job's SSH channel to
// the cluster's login host.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

const defaultRemoteRoot = ".offload/runs"

// Backend submits jobs to one batch-queue cluster through its login host.
type Backend struct {
	target  model.Target
	dialect Dialect
	logger  *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a batch backend for the target using the given dialect.
func New(target model.Target, dialect Dialect, logger *slog.Logger) *Backend {
	return &Backend{target: target, dialect: dialect, logger: logger}
}

// NewSlurm creates a SLURM-family backend for the target.
func NewSlurm(target model.Target, logger *slog.Logger) *Backend {
	return New(target, Slurm, logger)
}

// NewPBS creates a PBS-family backend for the target.
func NewPBS(target model.Target, logger *slog.Logger) *Backend {
	return New(target, PBS, logger)
}

func (b *Backend) Kind() string { return b.dialect.Name }

// Slots reports the target's configured worker slots. Queue capacity is not
// probed; an unconfigured target stays single-shot.
func (b *Backend) Slots(_ context.Context) (int, error) {
	if b.target.WorkerSlots > 0 {
		return b.target.WorkerSlots, nil
	}
	return 1, nil
}

func (b *Backend) Connect(ctx context.Context, _ *model.Job) (transfer.Channel, error) {
	return transfer.DialSSH(ctx, b.target)
}

func (b *Backend) RemoteRoot() string {
	if b.target.RemoteRoot != "" {
		return b.target.RemoteRoot
	}
	return defaultRemoteRoot
}

func (b *Backend) PollInterval() time.Duration { return 0 }

// BuildArtifact renders the submission script with the dialect's directives.
func (b *Backend) BuildArtifact(job *model.Job, wu *task.WorkUnit) (backend.Artifact, error) {
	script, err := buildScript(b.dialect, b.target, job, wu)
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("build %s script: %w", b.dialect.Name, err)
	}
	return backend.Artifact{
		Name:    runner.ScriptFile,
		Content: script,
		Mode:    0o755,
	}, nil
}

// Submit hands the uploaded script to the scheduler and records its job ID.
func (b *Backend) Submit(ctx context.Context, ch transfer.Channel, h backend.Handle, art backend.Artifact) (backend.Handle, error) {
	cmd := fmt.Sprintf("cd %q && %s %s", h.WorkDir, b.dialect.SubmitCmd, art.Name)
	stdout, stderr, code, err := ch.Run(ctx, cmd)
	if err != nil {
		return h, &model.SubmissionError{JobID: h.JobID, Backend: b.dialect.Name, Err: err}
	}
	if code != 0 {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: b.dialect.Name,
			Err:     fmt.Errorf("%s exited %d: %s", b.dialect.SubmitCmd, code, strings.TrimSpace(stderr)),
		}
	}

	id, err := b.dialect.ParseSubmit(stdout)
	if err != nil {
		return h, &model.SubmissionError{JobID: h.JobID, Backend: b.dialect.Name, Err: err}
	}

	b.logger.Info("submitted batch job",
		"job_id", h.JobID,
		"scheduler", b.dialect.Name,
		"remote_id", id,
	)

	h.RemoteID = id
	return h, nil
}

// Poll asks the queue first and, once the queue no longer lists the job,
// resolves the terminal status from the exit-code file the script wrote.
// Repeated calls are read-only on the remote side.
func (b *Backend) Poll(ctx context.Context, ch transfer.Channel, h backend.Handle) (backend.Status, error) {
	stdout, _, code, err := ch.Run(ctx, b.dialect.PollCmd(h.RemoteID))
	if err != nil {
		return "", fmt.Errorf("poll %s job %s: %w", b.dialect.Name, h.RemoteID, err)
	}
	if st, known := b.dialect.ParsePoll(stdout, code); known {
		return st, nil
	}

	rc, err := ch.Fetch(ctx, path.Join(h.WorkDir, runner.ExitCodeFile))
	if errors.Is(err, fs.ErrNotExist) {
		// Queue gone but no exit code yet: the script may still be flushing
		// over a shared filesystem. Report running and let the next poll or
		// the job timeout settle it.
		return backend.StatusRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("poll %s job %s: %w", b.dialect.Name, h.RemoteID, err)
	}
	if strings.TrimSpace(string(rc)) == "0" {
		return backend.StatusSucceeded, nil
	}
	return backend.StatusFailed, nil
}

// FetchLogs returns the job log so far, tolerating the file not existing
// before the job starts.
func (b *Backend) FetchLogs(ctx context.Context, ch transfer.Channel, h backend.Handle) (string, error) {
	data, err := ch.Fetch(ctx, path.Join(h.WorkDir, runner.LogFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Cancel removes the job from the queue. Unknown-job errors are ignored:
// the job may already be terminal.
func (b *Backend) Cancel(ctx context.Context, ch transfer.Channel, h backend.Handle) error {
	if h.RemoteID == "" {
		return nil
	}
	_, stderr, code, err := ch.Run(ctx, b.dialect.CancelCmd+" "+h.RemoteID)
	if err != nil {
		return fmt.Errorf("cancel %s job %s: %w", b.dialect.Name, h.RemoteID, err)
	}
	if code != 0 {
		b.logger.Debug("cancel returned non-zero",
			"job_id", h.JobID,
			"remote_id", h.RemoteID,
			"stderr", strings.TrimSpace(stderr),
		)
	}
	return nil
}
