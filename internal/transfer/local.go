package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
)

// LocalChannel implements Channel against the local filesystem and shell.
// It backs the local backend and doubles as the test double for the remote
// channels.
type LocalChannel struct{}

// NewLocalChannel creates a channel over the local machine.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{}
}

func (c *LocalChannel) MkdirAll(_ context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (c *LocalChannel) Put(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *LocalChannel) Fetch(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *LocalChannel) Run(ctx context.Context, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("run %q: %w", command, err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (c *LocalChannel) RemoveAll(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (c *LocalChannel) Close() error { return nil }
