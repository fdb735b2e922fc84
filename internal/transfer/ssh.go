package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/offloadlabs/offload/internal/model"
)

const sshDialTimeout = 15 * time.Second

// SSHChannel implements Channel over an SSH connection, with SFTP for file
// transfer. One channel per job; Close tears down both clients.
type SSHChannel struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// DialSSH opens a fresh SSH connection to the target. Credential material
// comes pre-resolved on the target; host key verification is the credential
// collaborator's concern, not the engine's.
func DialSSH(ctx context.Context, target model.Target) (*SSHChannel, error) {
	key, err := os.ReadFile(target.PrivateKeyPath)
	if err != nil {
		return nil, &model.ConnectionError{Target: target.Name, Err: fmt.Errorf("read private key: %w", err)}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, &model.ConnectionError{Target: target.Name, Err: fmt.Errorf("parse private key: %w", err)}
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	conn, err := (&net.Dialer{Timeout: sshDialTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &model.ConnectionError{Target: target.Name, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &model.ConnectionError{Target: target.Name, Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &model.ConnectionError{Target: target.Name, Err: fmt.Errorf("open sftp: %w", err)}
	}

	return &SSHChannel{client: client, sftp: sftpClient}, nil
}

func (c *SSHChannel) MkdirAll(_ context.Context, path string) error {
	if err := c.sftp.MkdirAll(path); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (c *SSHChannel) Put(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	f, err := c.sftp.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := c.sftp.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func (c *SSHChannel) Fetch(_ context.Context, path string) ([]byte, error) {
	f, err := c.sftp.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (c *SSHChannel) Run(ctx context.Context, command string) (string, string, int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Best effort; the deferred Close tears the session down anyway.
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
			}
			return stdout.String(), stderr.String(), -1, fmt.Errorf("run %q: %w", command, err)
		}
		return stdout.String(), stderr.String(), 0, nil
	}
}

func (c *SSHChannel) RemoveAll(_ context.Context, path string) error {
	if err := c.sftp.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (c *SSHChannel) Close() error {
	sftpErr := c.sftp.Close()
	sshErr := c.client.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}
