// Package runner is the remote half of the engine: it reconstructs a work
// unit inside the job's work dir, executes it, and leaves a result envelope
// behind for the submitting side to fetch.
//
// Execution is either single-stage or split across two cooperating stages.
// Stage A matches the submitting side's capture format: it deserializes the
// work unit and, when the job needs a heavy dependency stack, writes a
// handoff file and invokes stage B. Stage B (the binary built with the heavy
// stack) reconstructs the call, executes it, and writes its raw result to a
// second handoff file; stage A then wraps that into the result envelope.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/offloadlabs/offload/internal/task"
)

// File names inside a job's work dir, shared between the engine, the
// generated job scripts, and both runner stages.
const (
	ScriptFile    = "job.sh"
	LogFile       = "job.log"
	ErrorFile     = "error.txt"
	ExitCodeFile  = "job.rc"
	HandoffFile   = "handoff.bin"
	RawResultFile = "rawresult.bin"
	RunnerFile    = "runner"
)

// Stdout markers bracketing the base64 result envelope when the runner is
// asked to emit it, used by surfaces whose only read-back path is captured
// output (the container orchestrator's pod logs).
const (
	ResultBeginMarker = "---OFFLOAD-RESULT-BEGIN---"
	ResultEndMarker   = "---OFFLOAD-RESULT-END---"
)

// BuildTag identifies this runner build. Work units captured with the
// binary encoding are only valid against a runner with an identical tag.
func BuildTag() string {
	return runtime.Version() + "-" + runtime.GOOS + "/" + runtime.GOARCH
}

// Options configures one stage-A execution.
type Options struct {
	WorkDir string
	// TwoStage routes execution through the stage-B handoff. StageBBin names
	// the stage-B binary; empty runs stage B in-process, which still
	// exercises the handoff files.
	TwoStage  bool
	StageBBin string
	// EmitStdout prints the marked base64 envelope after writing it.
	EmitStdout bool
}

// rawResult is the stage-B→stage-A handoff: the task's serialized return
// value or its failure as text. Always JSON; the two stages may be
// different builds linking different dependency stacks.
type rawResult struct {
	Value      []byte `json:"value,omitempty"`
	ErrKind    string `json:"err_kind,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

// ExecuteStageA runs the full remote lifecycle for one job: decode, execute
// (directly or via stage B), and write the result envelope. Task failures
// are captured into the envelope and are not an error here; the returned
// error means the job's infrastructure itself broke.
func ExecuteStageA(ctx context.Context, reg *task.Registry, opts Options) error {
	wu, err := readWorkUnit(opts.WorkDir)
	if err != nil {
		return err
	}

	var env *task.ResultEnvelope
	if opts.TwoStage {
		env, err = runViaStageB(ctx, reg, wu, opts)
	} else {
		env = executeLocal(ctx, reg, wu, opts.WorkDir)
	}
	if err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(opts.WorkDir, task.ResultFile), data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if !env.Success {
		text := env.ErrKind + ": " + env.ErrMessage + "\n"
		if err := os.WriteFile(filepath.Join(opts.WorkDir, ErrorFile), []byte(text), 0o644); err != nil {
			return fmt.Errorf("write error file: %w", err)
		}
	}

	if opts.EmitStdout {
		emitEnvelope(data)
	}
	return nil
}

// ExecuteStageB reads the handoff work unit, executes it with this binary's
// registry, and writes the raw result for stage A to collect.
func ExecuteStageB(ctx context.Context, reg *task.Registry, workDir string) error {
	data, err := os.ReadFile(filepath.Join(workDir, HandoffFile))
	if err != nil {
		return fmt.Errorf("read handoff: %w", err)
	}
	wu, err := task.UnmarshalWorkUnit(data, task.EncodingJSON)
	if err != nil {
		return err
	}

	raw := rawResult{}
	bindDevice(wu)
	value, invokeErr := reg.Invoke(ctx, wu)
	if invokeErr != nil {
		raw.ErrKind = errKind(invokeErr)
		raw.ErrMessage = invokeErr.Error()
	} else if value != nil {
		blob, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode raw result: %w", err)
		}
		raw.Value = blob
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal raw result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, RawResultFile), out, 0o644); err != nil {
		return fmt.Errorf("write raw result: %w", err)
	}
	return nil
}

// executeLocal is the single-stage path: decode and invoke in this process.
func executeLocal(ctx context.Context, reg *task.Registry, wu *task.WorkUnit, workDir string) *task.ResultEnvelope {
	bindDevice(wu)
	value, err := reg.Invoke(ctx, wu)
	if err != nil {
		return task.NewFailureEnvelope(errKind(err), err.Error(), logTail(workDir), wu.Encoding)
	}
	env, encErr := task.NewSuccessEnvelope(value, wu.Encoding)
	if encErr != nil {
		return task.NewFailureEnvelope(errKind(encErr), encErr.Error(), logTail(workDir), wu.Encoding)
	}
	return env
}

// runViaStageB writes the handoff, runs stage B, and wraps its raw result.
// The stage-B dependency stack was provisioned at job creation; any failure
// here is fatal for the job, never downgraded to single-stage execution.
func runViaStageB(ctx context.Context, reg *task.Registry, wu *task.WorkUnit, opts Options) (*task.ResultEnvelope, error) {
	// Re-encode portably: stage B may be a different build. Relabeling alone
	// is not enough, the argument blobs themselves must be transcoded.
	handoff, err := reg.Transcode(wu, task.EncodingJSON)
	if err != nil {
		return nil, fmt.Errorf("transcode handoff: %w", err)
	}
	data, err := handoff.Marshal()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(opts.WorkDir, HandoffFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write handoff: %w", err)
	}

	if opts.StageBBin == "" {
		if err := ExecuteStageB(ctx, reg, opts.WorkDir); err != nil {
			return nil, err
		}
	} else {
		cmd := exec.CommandContext(ctx, opts.StageBBin, "-mode=stage-b", "-workdir="+opts.WorkDir)
		cmd.Dir = opts.WorkDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("stage B: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	rawData, err := os.ReadFile(filepath.Join(opts.WorkDir, RawResultFile))
	if err != nil {
		return nil, fmt.Errorf("read raw result: %w", err)
	}
	raw := rawResult{}
	if err := json.Unmarshal(rawData, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal raw result: %w", err)
	}

	if raw.ErrKind != "" {
		return task.NewFailureEnvelope(raw.ErrKind, raw.ErrMessage, logTail(opts.WorkDir), wu.Encoding), nil
	}

	// Re-encode the raw JSON value into the envelope's encoding by decoding
	// through the registry's declared return type.
	env := &task.ResultEnvelope{Success: true, Encoding: wu.Encoding}
	if len(raw.Value) > 0 {
		value, err := reg.DecodeResult(wu.Task, &task.ResultEnvelope{Encoding: task.EncodingJSON, Value: raw.Value})
		if err != nil {
			return nil, err
		}
		env, err = task.NewSuccessEnvelope(value, wu.Encoding)
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

// readWorkUnit loads whichever work unit file the submitting side shipped.
func readWorkUnit(workDir string) (*task.WorkUnit, error) {
	if data, err := os.ReadFile(filepath.Join(workDir, task.WorkUnitBinFile)); err == nil {
		return task.UnmarshalWorkUnit(data, task.EncodingGob)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read work unit: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(workDir, task.WorkUnitJSONFile))
	if err != nil {
		return nil, fmt.Errorf("read work unit: %w", err)
	}
	return task.UnmarshalWorkUnit(data, task.EncodingJSON)
}

// bindDevice pins the process to the shard's accelerator device hint.
func bindDevice(wu *task.WorkUnit) {
	if wu.Shard != nil && wu.Shard.Device >= 0 {
		os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(wu.Shard.Device))
	}
}

// errKind renders an error's concrete type for the envelope. Only this text
// crosses back to the submitting side.
func errKind(err error) string {
	return fmt.Sprintf("%T", err)
}

// logTail returns the last portion of the job log for failure envelopes.
// The log may not exist yet; that is fine.
func logTail(workDir string) string {
	const tailBytes = 4096
	data, err := os.ReadFile(filepath.Join(workDir, LogFile))
	if err != nil {
		return ""
	}
	if len(data) > tailBytes {
		data = data[len(data)-tailBytes:]
	}
	return string(data)
}

func emitEnvelope(data []byte) {
	fmt.Println(ResultBeginMarker)
	fmt.Println(encodeBase64(data))
	fmt.Println(ResultEndMarker)
}
