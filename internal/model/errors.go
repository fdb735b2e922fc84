package model

import (
	"fmt"
	"time"
)

// ConnectionError wraps a transport failure reaching an execution target.
// Connection errors are safe to retry.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProvisioningError means the per-job runtime setup (work dir, payload
// upload, runner binary) failed. Fatal for the job; never downgraded to a
// reduced execution mode.
type ProvisioningError struct {
	JobID string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision job %s: %v", e.JobID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SubmissionError means the backend rejected the job artifact.
type SubmissionError struct {
	JobID   string
	Backend string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job %s to %s: %v", e.JobID, e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError reports that a job exceeded its wall-clock limit. The
// lifecycle manager attempts a cancel before surfacing this.
type TimeoutError struct {
	JobID string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s", e.JobID, e.Limit)
}

// RemoteExecutionError carries a failure captured on the remote side as
// text. The original error type is never reconstructed locally; Kind and
// Message are all that crosses the boundary.
type RemoteExecutionError struct {
	JobID   string
	Kind    string
	Message string
	LogTail string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("job %s failed remotely: %s: %s", e.JobID, e.Kind, e.Message)
}

// ResultMissingError reports a job that reached a terminal success state
// but produced no result artifact.
type ResultMissingError struct {
	JobID   string
	LogTail string
}

func (e *ResultMissingError) Error() string {
	return fmt.Sprintf("job %s succeeded but produced no result artifact", e.JobID)
}
