package store

import (
	"context"
	"errors"

	"github.com/offloadlabs/offload/internal/model"
)

// ErrInvalidTransition is returned when a job state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	// UpdateJobState transitions a job, enforcing the state machine: the
	// update is rejected with ErrInvalidTransition unless the move is legal
	// from the currently persisted state.
	UpdateJobState(ctx context.Context, id, state string) error
	UpdateJob(ctx context.Context, j *model.Job) error
	TouchPolled(ctx context.Context, id string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertLogLine(ctx context.Context, jobID string, seq int, line string) error
	GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error)
	Close() error
}
