// Package shell adapts the engine to a raw remote host over SSH: no
// scheduler, just a detached process per job whose pid doubles as the
// backend-native handle.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

const (
	defaultRemoteRoot = ".offload/runs"

	// Interactive hosts report state fast; poll accordingly.
	pollInterval = 2 * time.Second
)

// Backend runs jobs directly on one SSH-reachable host.
type Backend struct {
	target model.Target
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates a shell backend for the target.
func New(target model.Target, logger *slog.Logger) *Backend {
	return &Backend{target: target, logger: logger}
}

func (b *Backend) Kind() string { return model.KindShell }

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

func (b *Backend) PollInterval() time.Duration { return pollInterval }

// BuildArtifact renders the job script: environment, setup commands, runner
// invocation, exit code capture. No directives and no chdir: Submit launches
// the script from inside the work directory, and RemoteWorkDir may be
// home-relative, so the script must not resolve it a second time.
func (b *Backend) BuildArtifact(_ *model.Job, wu *task.WorkUnit) (backend.Artifact, error) {
	spec := wu.Resources

	var s strings.Builder
	s.WriteString("#!/bin/sh\n")
	for _, k := range sortedKeys(spec.Env) {
		fmt.Fprintf(&s, "export %s=%q\n", k, spec.Env[k])
	}
	for _, cmd := range spec.SetupCommands {
		s.WriteString(cmd)
		s.WriteString("\n")
	}

	bin := b.target.RunnerPath
	if bin == "" {
		bin = "./" + runner.RunnerFile
	}
	fmt.Fprintf(&s, "%q -mode=stage-a -workdir=.", bin)
	if spec.TwoStage {
		s.WriteString(" -two-stage")
		if b.target.StageBRunnerPath != "" {
			fmt.Fprintf(&s, " -stage-b-bin=%q", b.target.StageBRunnerPath)
		}
	}
	s.WriteString("\nrc=$?\n")
	fmt.Fprintf(&s, "echo $rc > %s\n", runner.ExitCodeFile)
	s.WriteString("exit $rc\n")

	return backend.Artifact{
		Name:    runner.ScriptFile,
		Content: []byte(s.String()),
		Mode:    0o755,
	}, nil
}

// Submit starts the script detached and records its pid.
func (b *Backend) Submit(ctx context.Context, ch transfer.Channel, h backend.Handle, art backend.Artifact) (backend.Handle, error) {
	cmd := fmt.Sprintf("cd %q && nohup sh %s > %s 2>&1 & echo $!",
		h.WorkDir, art.Name, runner.LogFile)
	stdout, stderr, code, err := ch.Run(ctx, cmd)
	if err != nil {
		return h, &model.SubmissionError{JobID: h.JobID, Backend: model.KindShell, Err: err}
	}
	if code != 0 {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: model.KindShell,
			Err:     fmt.Errorf("start exited %d: %s", code, strings.TrimSpace(stderr)),
		}
	}

	pid := strings.TrimSpace(stdout)
	if pid == "" {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: model.KindShell,
			Err:     fmt.Errorf("no pid reported"),
		}
	}

	b.logger.Info("started shell job", "job_id", h.JobID, "host", b.target.Host, "pid", pid)

	h.RemoteID = pid
	return h, nil
}

// Poll checks whether the pid is alive, then falls back to the exit-code
// file. kill -0 sends no signal, so repeated polls have no side effects.
func (b *Backend) Poll(ctx context.Context, ch transfer.Channel, h backend.Handle) (backend.Status, error) {
	_, _, code, err := ch.Run(ctx, "kill -0 "+h.RemoteID+" 2>/dev/null")
	if err != nil {
		return "", fmt.Errorf("poll shell job %s: %w", h.JobID, err)
	}
	if code == 0 {
		return backend.StatusRunning, nil
	}

	rc, err := ch.Fetch(ctx, path.Join(h.WorkDir, runner.ExitCodeFile))
	if errors.Is(err, fs.ErrNotExist) {
		// Process gone without an exit code: killed before the script could
		// record one.
		return backend.StatusFailed, nil
	}
	if err != nil {
		return "", fmt.Errorf("poll shell job %s: %w", h.JobID, err)
	}
	if strings.TrimSpace(string(rc)) == "0" {
		return backend.StatusSucceeded, nil
	}
	return backend.StatusFailed, nil
}

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

// Cancel sends SIGTERM to the recorded pid; a dead pid is not an error.
func (b *Backend) Cancel(ctx context.Context, ch transfer.Channel, h backend.Handle) error {
	if h.RemoteID == "" {
		return nil
	}
	_, _, _, err := ch.Run(ctx, "kill "+h.RemoteID+" 2>/dev/null")
	if err != nil {
		return fmt.Errorf("cancel shell job %s: %w", h.JobID, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
