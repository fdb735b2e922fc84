package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/offloadlabs/offload/internal/backend"
)

// Dialect is the translation table for one batch-queue family. Every
// scheduler-specific detail — directive prefix, flag spellings, memory and
// time formats, submit/poll/cancel command shapes — lives here, so adding a
// queue family means adding a table, not a backend.
type Dialect struct {
	Name            string
	DirectivePrefix string
	SubmitCmd       string
	CancelCmd       string

	// SubmitDirVar names the environment variable the scheduler sets to the
	// directory the submit command ran from. Jobs may start elsewhere (PBS
	// starts in $HOME), so the script chdirs through it rather than through
	// the possibly home-relative work dir path.
	SubmitDirVar string

	JobName   func(name string) string
	Cores     func(n int) string
	MemoryMB  func(mb uint64) string
	TimeLimit func(d time.Duration) string
	Partition func(q string) string
	GPUs      func(n int) string
	Output    func(path string) string

	// ParseSubmit extracts the scheduler's job ID from the submit command's
	// stdout.
	ParseSubmit func(out string) (string, error)

	// PollCmd queries the queue for one job; ParsePoll maps the output to a
	// status. known is false when the queue no longer lists the job, in
	// which case the backend falls back to the exit-code file.
	PollCmd   func(id string) string
	ParsePoll func(out string, code int) (st backend.Status, known bool)
}

// hhmmss renders a duration in the HH:MM:SS form both families accept.
func hhmmss(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// Slurm is the dialect for SLURM-family schedulers.
var Slurm = Dialect{
	Name:            "slurm",
	DirectivePrefix: "#SBATCH",
	SubmitCmd:       "sbatch --parsable",
	CancelCmd:       "scancel",
	SubmitDirVar:    "SLURM_SUBMIT_DIR",

	JobName:   func(name string) string { return "--job-name=" + name },
	Cores:     func(n int) string { return fmt.Sprintf("--cpus-per-task=%d", n) },
	MemoryMB:  func(mb uint64) string { return fmt.Sprintf("--mem=%dM", mb) },
	TimeLimit: func(d time.Duration) string { return "--time=" + hhmmss(d) },
	Partition: func(q string) string { return "--partition=" + q },
	GPUs:      func(n int) string { return fmt.Sprintf("--gres=gpu:%d", n) },
	Output:    func(path string) string { return "--output=" + path },

	ParseSubmit: func(out string) (string, error) {
		// --parsable prints "jobid" or "jobid;cluster".
		id, _, _ := strings.Cut(strings.TrimSpace(out), ";")
		if id == "" {
			return "", fmt.Errorf("sbatch printed no job id")
		}
		return id, nil
	},

	PollCmd: func(id string) string {
		return "squeue -h -j " + id + " -o %T"
	},
	ParsePoll: func(out string, code int) (backend.Status, bool) {
		state := strings.TrimSpace(out)
		if code != 0 || state == "" {
			return "", false
		}
		switch state {
		case "PENDING", "CONFIGURING", "REQUEUED", "SUSPENDED":
			return backend.StatusPending, true
		case "RUNNING", "COMPLETING":
			return backend.StatusRunning, true
		}
		// Terminal queue states (COMPLETED, FAILED, TIMEOUT, CANCELLED) are
		// resolved through the exit-code file, which carries the real rc.
		return "", false
	},
}

// PBS is the dialect for PBS/Torque-family schedulers.
var PBS = Dialect{
	Name:            "pbs",
	DirectivePrefix: "#PBS",
	SubmitCmd:       "qsub",
	CancelCmd:       "qdel",
	SubmitDirVar:    "PBS_O_WORKDIR",

	JobName:   func(name string) string { return "-N " + name },
	Cores:     func(n int) string { return fmt.Sprintf("-l nodes=1:ppn=%d", n) },
	MemoryMB:  func(mb uint64) string { return fmt.Sprintf("-l mem=%dmb", mb) },
	TimeLimit: func(d time.Duration) string { return "-l walltime=" + hhmmss(d) },
	Partition: func(q string) string { return "-q " + q },
	GPUs:      func(n int) string { return fmt.Sprintf("-l ngpus=%d", n) },
	Output:    func(path string) string { return "-j oe -o " + path },

	ParseSubmit: func(out string) (string, error) {
		id := strings.TrimSpace(out)
		if id == "" {
			return "", fmt.Errorf("qsub printed no job id")
		}
		return id, nil
	},

	PollCmd: func(id string) string {
		return "qstat -f " + id + " 2>/dev/null | grep job_state"
	},
	ParsePoll: func(out string, code int) (backend.Status, bool) {
		if code != 0 {
			return "", false
		}
		_, state, found := strings.Cut(out, "=")
		if !found {
			return "", false
		}
		switch strings.TrimSpace(state) {
		case "Q", "H", "W", "T":
			return backend.StatusPending, true
		case "R", "E":
			return backend.StatusRunning, true
		}
		return "", false
	},
}
