package runner

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/offloadlabs/offload/internal/task"
)

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Main is the entry point shared by every runner binary. Deployments build
// their own runner that imports their task packages and calls Main with the
// registry those packages registered into.
func Main(reg *task.Registry) {
	var (
		mode     = flag.String("mode", "stage-a", "execution stage: stage-a or stage-b")
		workDir  = flag.String("workdir", ".", "job work directory")
		twoStage = flag.Bool("two-stage", false, "split execution across the stage-B handoff")
		stageB   = flag.String("stage-b-bin", "", "stage-B binary path (default: this binary)")
		emit     = flag.Bool("emit", false, "print the base64 result envelope to stdout")
		version  = flag.Bool("version", false, "print the runner build tag and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(BuildTag())
		return
	}

	ctx := context.Background()

	var err error
	switch *mode {
	case "stage-a":
		stageBBin := *stageB
		if *twoStage && stageBBin == "" {
			// Same binary, separate process: the common case when one build
			// carries both stages.
			stageBBin, err = os.Executable()
			if err != nil {
				fatal(*workDir, fmt.Errorf("locate stage-B binary: %w", err))
			}
		}
		err = ExecuteStageA(ctx, reg, Options{
			WorkDir:    *workDir,
			TwoStage:   *twoStage,
			StageBBin:  stageBBin,
			EmitStdout: *emit,
		})
	case "stage-b":
		err = ExecuteStageB(ctx, reg, *workDir)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}

	if err != nil {
		fatal(*workDir, err)
	}
}

// fatal records an infrastructure failure where the submitting side can see
// it, then exits non-zero. Task failures never come through here; they are
// captured in the result envelope.
func fatal(workDir string, err error) {
	fmt.Fprintln(os.Stderr, "offload-runner:", err)
	_ = os.WriteFile(filepath.Join(workDir, ErrorFile), []byte(err.Error()+"\n"), 0o644)
	os.Exit(1)
}
