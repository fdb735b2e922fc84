package batch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
)

// buildScript renders the submission script: resource directives first,
// environment bootstrap second, then the (possibly two-stage) runner
// invocation with the exit code captured for the poll fallback.
func buildScript(d Dialect, target model.Target, job *model.Job, wu *task.WorkUnit) ([]byte, error) {
	spec := wu.Resources

	memBytes, err := spec.MemoryBytes()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")

	directive := func(s string) {
		b.WriteString(d.DirectivePrefix)
		b.WriteString(" ")
		b.WriteString(s)
		b.WriteString("\n")
	}

	directive(d.JobName(model.WorkDirName(job.ID)))
	// Relative to the submit directory, which Submit makes the work dir.
	directive(d.Output(runner.LogFile))
	if spec.Cores > 0 {
		directive(d.Cores(spec.Cores))
	}
	if memBytes > 0 {
		directive(d.MemoryMB(memBytes / (1 << 20)))
	}
	if spec.TimeLimit > 0 {
		directive(d.TimeLimit(spec.TimeLimit))
	}
	if q := partitionFor(spec, target); q != "" {
		directive(d.Partition(q))
	}
	if spec.GPUs > 0 {
		directive(d.GPUs(spec.GPUs))
	}

	b.WriteString("\n")
	for _, k := range sortedKeys(spec.Env) {
		fmt.Fprintf(&b, "export %s=%q\n", k, spec.Env[k])
	}
	// PBS starts jobs in $HOME and SLURM in the submit dir; either way the
	// scheduler's own variable lands us in the work dir without resolving
	// the home-relative RemoteWorkDir a second time.
	fmt.Fprintf(&b, "cd \"$%s\" || exit 1\n", d.SubmitDirVar)
	for _, cmd := range spec.SetupCommands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}

	b.WriteString(runnerInvocation(target, spec))
	b.WriteString("\nrc=$?\n")
	fmt.Fprintf(&b, "echo $rc > %s\n", runner.ExitCodeFile)
	b.WriteString("exit $rc\n")

	return []byte(b.String()), nil
}

// runnerInvocation renders the stage-A command line.
func runnerInvocation(target model.Target, spec model.ResourceSpec) string {
	bin := target.RunnerPath
	if bin == "" {
		bin = "./" + runner.RunnerFile
	}
	cmd := fmt.Sprintf("%q -mode=stage-a -workdir=.", bin)
	if spec.TwoStage {
		cmd += " -two-stage"
		if target.StageBRunnerPath != "" {
			cmd += fmt.Sprintf(" -stage-b-bin=%q", target.StageBRunnerPath)
		}
	}
	return cmd
}

// partitionFor picks the queue: the spec wins, the target supplies the default.
func partitionFor(spec model.ResourceSpec, target model.Target) string {
	if spec.Partition != "" {
		return spec.Partition
	}
	return target.Queue
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
