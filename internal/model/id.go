package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// WorkDirName derives the per-job remote working directory name from a job ID.
// ULIDs are unique per job, so no two jobs ever share a remote path.
func WorkDirName(jobID string) string {
	return "offload-" + strings.ToLower(jobID)
}
