// Package transfer moves payloads and artifacts to execution surfaces and
// retrieves results and logs. Channels are opened per job and never shared:
// interactive shell backends keep per-connection command/response state that
// would interleave across jobs otherwise.
package transfer

import (
	"context"
	"io/fs"
)

// Channel is one job's pipe to its execution surface.
//
// Fetch returns an error satisfying errors.Is(err, fs.ErrNotExist) when the
// remote path is absent, which the lifecycle manager relies on to detect
// missing result artifacts.
type Channel interface {
	// MkdirAll creates the remote directory and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// Put writes data to the remote path with the given mode.
	Put(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Fetch reads the remote path.
	Fetch(ctx context.Context, path string) ([]byte, error)

	// Run executes a shell command on the surface. A non-zero exit status is
	// reported through code, not err; err means the command could not be run
	// at all.
	Run(ctx context.Context, command string) (stdout, stderr string, code int, err error)

	// RemoveAll deletes the remote path recursively.
	RemoveAll(ctx context.Context, path string) error

	Close() error
}
