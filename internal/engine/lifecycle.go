package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

// cancelGrace bounds how long terminal cleanup calls (remote cancel, final
// log fetch) may take once the job's own context is gone.
const cancelGrace = 30 * time.Second

// execute owns one job start to finish. It always resolves the handle and
// closes the job's log topic, whatever path the lifecycle takes.
func (e *Engine) execute(ctx context.Context, job *model.Job, wu *task.WorkUnit, target model.Target, b backend.Backend, h *JobHandle, timeout time.Duration) {
	jobsInflight.Inc()
	defer jobsInflight.Dec()
	defer e.broker.Close(job.ID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finalize(job, model.StateCancelled, err)
		h.finish(nil, err)
		return
	}
	defer e.sem.Release(1)

	value, err := e.runJob(ctx, job, wu, target, b, timeout)
	h.finish(value, err)
}

func (e *Engine) runJob(ctx context.Context, job *model.Job, wu *task.WorkUnit, target model.Target, b backend.Backend, timeout time.Duration) (any, error) {
	log := e.logger.With("job_id", job.ID, "task", job.Task, "target", job.TargetName)

	ch, err := b.Connect(ctx, job)
	if err != nil {
		e.finalize(job, model.StateFailed, err)
		return nil, err
	}
	defer ch.Close()

	handle := backend.Handle{JobID: job.ID, WorkDir: job.RemoteWorkDir}

	if err := e.provision(ctx, ch, job, wu, target, b); err != nil {
		perr := &model.ProvisioningError{JobID: job.ID, Err: err}
		e.finalize(job, model.StateFailed, perr)
		return nil, perr
	}

	art, err := b.BuildArtifact(job, wu)
	if err != nil {
		serr := &model.SubmissionError{JobID: job.ID, Backend: b.Kind(), Err: err}
		e.finalize(job, model.StateFailed, serr)
		return nil, serr
	}
	if len(art.Content) > 0 {
		err = transfer.Retry(ctx, transfer.DefaultRetryAttempts, func() error {
			return ch.Put(ctx, job.RemoteWorkDir+"/"+art.Name, art.Content, art.Mode)
		})
		if err != nil {
			perr := &model.ProvisioningError{JobID: job.ID, Err: err}
			e.finalize(job, model.StateFailed, perr)
			return nil, perr
		}
	}

	// Submission is not idempotent: a retry could enqueue the job twice.
	// Only connection-level failures are retried.
	err = transfer.Retry(ctx, transfer.DefaultRetryAttempts, func() error {
		got, serr := b.Submit(ctx, ch, handle, art)
		if serr != nil {
			var connErr *model.ConnectionError
			if errors.As(serr, &connErr) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		handle = got
		return nil
	})
	if err != nil {
		e.finalize(job, model.StateFailed, err)
		return nil, err
	}

	e.transition(job, model.StateSubmitted)
	job.RemoteID = handle.RemoteID
	e.persist(job)
	jobsSubmittedTotal.WithLabelValues(b.Kind()).Inc()
	log.Info("job submitted", "remote_id", job.RemoteID, "work_dir", job.RemoteWorkDir)

	status, err := e.poll(ctx, job, b, ch, handle, timeout)
	if err != nil {
		return nil, err
	}
	return e.collect(job, b, ch, handle, status)
}

// provision creates the work dir and uploads the payload plus, for shell and
// batch surfaces without a pre-installed runner, the runner binary itself.
// Every step is idempotent and retried; any residual failure is fatal for
// the job and never downgraded to a reduced execution mode.
func (e *Engine) provision(ctx context.Context, ch transfer.Channel, job *model.Job, wu *task.WorkUnit, target model.Target, b backend.Backend) error {
	if err := transfer.Retry(ctx, transfer.DefaultRetryAttempts, func() error {
		return ch.MkdirAll(ctx, job.RemoteWorkDir)
	}); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	payload, err := wu.Marshal()
	if err != nil {
		return err
	}
	if err := transfer.Retry(ctx, transfer.DefaultRetryAttempts, func() error {
		return ch.Put(ctx, job.RemoteWorkDir+"/"+wu.FileName(), payload, 0o644)
	}); err != nil {
		return fmt.Errorf("upload work unit: %w", err)
	}

	if !needsRunnerUpload(b.Kind(), target) {
		return nil
	}
	if e.cfg.RunnerBin == "" {
		return fmt.Errorf("target %s has no runner installed and no runner binary is configured", target.Name)
	}
	bin, err := os.ReadFile(e.cfg.RunnerBin)
	if err != nil {
		return fmt.Errorf("read runner binary: %w", err)
	}
	if err := transfer.Retry(ctx, transfer.DefaultRetryAttempts, func() error {
		return ch.Put(ctx, job.RemoteWorkDir+"/"+runner.RunnerFile, bin, 0o755)
	}); err != nil {
		return fmt.Errorf("upload runner binary: %w", err)
	}
	return nil
}

// needsRunnerUpload reports whether the job script will invoke ./runner from
// the work dir. Local runs in-process; the container surface bakes the
// runner into the image.
func needsRunnerUpload(kind string, target model.Target) bool {
	if target.RunnerPath != "" {
		return false
	}
	switch kind {
	case model.KindShell, model.KindSlurm, model.KindPBS:
		return true
	}
	return false
}

// poll drives the job to a backend-terminal status, mirroring observed
// progress into the persisted state machine, streaming log deltas, and
// enforcing the wall-clock limit. Poll errors are transient by contract and
// only logged; the next tick retries.
func (e *Engine) poll(ctx context.Context, job *model.Job, b backend.Backend, ch transfer.Channel, handle backend.Handle, timeout time.Duration) (backend.Status, error) {
	log := e.logger.With("job_id", job.ID)

	interval := b.PollInterval()
	if interval <= 0 {
		interval = e.cfg.PollInterval
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logOffset := 0
	logSeq := 0

	for {
		select {
		case <-ctx.Done():
			e.cancelRemote(b, ch, handle)
			e.finalize(job, model.StateCancelled, ctx.Err())
			log.Info("job cancelled")
			return "", ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			e.cancelRemote(b, ch, handle)
			terr := &model.TimeoutError{JobID: job.ID, Limit: timeout}
			e.finalize(job, model.StateTimedOut, terr)
			log.Warn("job timed out", "limit", timeout)
			return "", terr
		}

		start := time.Now()
		status, err := b.Poll(ctx, ch, handle)
		pollsTotal.WithLabelValues(b.Kind()).Inc()
		pollDuration.WithLabelValues(b.Kind()).Observe(time.Since(start).Seconds())
		if err != nil {
			log.Warn("poll failed", "error", err)
			continue
		}

		now := time.Now().UTC()
		job.LastPolledAt = &now
		if err := e.store.TouchPolled(context.Background(), job.ID); err != nil {
			log.Warn("touch poll time", "error", err)
		}

		if status != backend.StatusPending {
			logOffset, logSeq = e.syncLogs(ctx, job, b, ch, handle, logOffset, logSeq)
		}

		switch status {
		case backend.StatusRunning:
			if job.State == model.StateSubmitted {
				e.transition(job, model.StateRunning)
				log.Info("job running")
			}
		case backend.StatusSucceeded, backend.StatusFailed:
			return status, nil
		}
	}
}

// syncLogs fetches the remote log snapshot and publishes only the newly
// appended tail, persisting each line for post-hoc retrieval.
func (e *Engine) syncLogs(ctx context.Context, job *model.Job, b backend.Backend, ch transfer.Channel, handle backend.Handle, offset, seq int) (int, int) {
	text, err := b.FetchLogs(ctx, ch, handle)
	if err != nil || len(text) <= offset {
		return offset, seq
	}
	block := text[offset:]
	for _, line := range splitLines(block) {
		e.broker.Publish(job.ID, line)
		if err := e.store.InsertLogLine(context.Background(), job.ID, seq, line); err != nil {
			e.logger.Warn("persist log line", "job_id", job.ID, "error", err)
		}
		seq++
	}
	job.LogTail = tail(text, logTailBytes)
	return len(text), seq
}

// collect resolves a backend-terminal job into a value or an error: fetch
// the result envelope on success, or reconstruct the remote failure as text.
func (e *Engine) collect(job *model.Job, b backend.Backend, ch transfer.Channel, handle backend.Handle, status backend.Status) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if text, err := b.FetchLogs(ctx, ch, handle); err == nil && text != "" {
		job.LogTail = tail(text, logTailBytes)
	}

	if status == backend.StatusFailed {
		msg := "remote execution failed"
		if data, err := ch.Fetch(ctx, job.RemoteWorkDir+"/"+runner.ErrorFile); err == nil && len(data) > 0 {
			msg = string(data)
		}
		rerr := &model.RemoteExecutionError{
			JobID:   job.ID,
			Kind:    "runtime",
			Message: msg,
			LogTail: job.LogTail,
		}
		e.finalize(job, model.StateFailed, rerr)
		return nil, rerr
	}

	data, err := ch.Fetch(ctx, job.RemoteWorkDir+"/"+task.ResultFile)
	if err != nil {
		// A success report without a result artifact is a failure. The work
		// dir is kept for inspection regardless of cleanup policy.
		if errors.Is(err, fs.ErrNotExist) {
			merr := &model.ResultMissingError{JobID: job.ID, LogTail: job.LogTail}
			e.finalize(job, model.StateFailed, merr)
			return nil, merr
		}
		e.finalize(job, model.StateFailed, err)
		return nil, fmt.Errorf("fetch result: %w", err)
	}

	env, err := task.UnmarshalEnvelope(data, task.Encoding(job.Encoding))
	if err != nil {
		e.finalize(job, model.StateFailed, err)
		return nil, err
	}

	if !env.Success {
		rerr := &model.RemoteExecutionError{
			JobID:   job.ID,
			Kind:    env.ErrKind,
			Message: env.ErrMessage,
			LogTail: env.LogExcerpt,
		}
		e.finalize(job, model.StateFailed, rerr)
		return nil, rerr
	}

	value, err := e.tasks.DecodeResult(job.Task, env)
	if err != nil {
		e.finalize(job, model.StateFailed, err)
		return nil, err
	}

	e.finalize(job, model.StateSucceeded, nil)

	if !e.cfg.KeepWorkDir {
		if err := ch.RemoveAll(ctx, job.RemoteWorkDir); err != nil {
			e.logger.Warn("clean work dir", "job_id", job.ID, "error", err)
		}
	}
	return value, nil
}

// cancelRemote best-effort stops the remote side of a job being abandoned.
func (e *Engine) cancelRemote(b backend.Backend, ch transfer.Channel, handle backend.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := b.Cancel(ctx, ch, handle); err != nil {
		e.logger.Warn("cancel remote job", "job_id", handle.JobID, "error", err)
	}
}

// transition moves the persisted state machine and mirrors the change onto
// the in-memory record so later field updates do not clobber timestamps.
func (e *Engine) transition(job *model.Job, state string) {
	if err := e.store.UpdateJobState(context.Background(), job.ID, state); err != nil {
		e.logger.Warn("update job state", "job_id", job.ID, "state", state, "error", err)
		return
	}
	now := time.Now().UTC()
	job.State = state
	switch state {
	case model.StateSubmitted:
		job.SubmittedAt = &now
	case model.StateRunning:
		job.StartedAt = &now
	default:
		if model.Terminal(state) {
			job.FinishedAt = &now
		}
	}
}

// finalize records a job's terminal state, captured error, and duration.
func (e *Engine) finalize(job *model.Job, state string, jobErr error) {
	e.transition(job, state)
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	if job.SubmittedAt != nil && job.FinishedAt != nil {
		ms := int(job.FinishedAt.Sub(*job.SubmittedAt).Milliseconds())
		job.DurationMS = &ms
	}
	e.persist(job)
	jobsTerminalTotal.WithLabelValues(state).Inc()
}

func (e *Engine) persist(job *model.Job) {
	if err := e.store.UpdateJob(context.Background(), job); err != nil {
		e.logger.Warn("persist job", "job_id", job.ID, "error", err)
	}
}

const logTailBytes = 4096

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func splitLines(block string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(block); i++ {
		if block[i] == '\n' {
			if i > start {
				lines = append(lines, block[start:i])
			}
			start = i + 1
		}
	}
	if start < len(block) {
		lines = append(lines, block[start:])
	}
	return lines
}
