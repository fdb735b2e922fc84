package model

import "time"

// Job state constants. States only ever move forward; see ValidTransition.
const (
	StateCreated   = "created"
	StateSubmitted = "submitted"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
	StateCancelled = "cancelled"
)

// Backend kind constants.
const (
	KindLocal = "local"
	KindShell = "shell"
	KindSlurm = "slurm"
	KindPBS   = "pbs"
	KindKube  = "kube"
)

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no outgoing edges, which keeps state monotonic.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StateSubmitted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateSubmitted: {
		StateRunning:   true,
		StateSucceeded: true,
		StateFailed:    true,
		StateTimedOut:  true,
		StateCancelled: true,
	},
	StateRunning: {
		StateSucceeded: true,
		StateFailed:    true,
		StateTimedOut:  true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// LogLine represents a single persisted log line fetched from a remote job.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Job tracks one remote execution from submission to a terminal state.
// A fanned-out invocation produces one Job per shard; ShardCount is zero
// for ordinary single-shot jobs.
type Job struct {
	ID            string     `json:"id"`
	Task          string     `json:"task"`
	State         string     `json:"state"`
	TargetKind    string     `json:"target_kind"`
	TargetName    string     `json:"target_name"`
	Encoding      string     `json:"encoding"`
	RemoteWorkDir string     `json:"remote_work_dir"`
	RemoteID      string     `json:"remote_id,omitempty"`
	ShardIndex    int        `json:"shard_index"`
	ShardCount    int        `json:"shard_count"`
	Error         string     `json:"error,omitempty"`
	LogTail       string     `json:"log_tail,omitempty"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty"`
}
