package kube

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
)

// channel implements transfer.Channel in terms of orchestrator API calls.
// Put stages payload files for the Job's ConfigMap; Fetch of the result
// artifact extracts the marked envelope from pod logs, the one read-back
// path a finished pod leaves behind.
type channel struct {
	client    kubernetes.Interface
	namespace string
	name      string // ConfigMap and Job name, derived from the job ID
	jobLabel  string

	files map[string][]byte
}

func (c *channel) MkdirAll(_ context.Context, _ string) error { return nil }

func (c *channel) Put(_ context.Context, path string, data []byte, _ fs.FileMode) error {
	c.files[payloadKey(path)] = data
	return nil
}

func (c *channel) Fetch(ctx context.Context, path string) ([]byte, error) {
	if payloadKey(path) != task.ResultFile {
		return nil, fmt.Errorf("fetch %s: %w", path, fs.ErrNotExist)
	}

	logs, err := podLogs(ctx, c.client, c.namespace, c.jobLabel)
	if err != nil {
		return nil, err
	}
	encoded, ok := extractBetween(logs, runner.ResultBeginMarker, runner.ResultEndMarker)
	if !ok {
		return nil, fmt.Errorf("no result envelope in pod logs: %w", fs.ErrNotExist)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}
	return data, nil
}

func (c *channel) Run(_ context.Context, command string) (string, string, int, error) {
	return "", "", -1, fmt.Errorf("kube channel does not run shell commands (got %q)", command)
}

// RemoveAll deletes the payload ConfigMap; the Job's TTL handles the rest.
func (c *channel) RemoveAll(ctx context.Context, _ string) error {
	err := c.client.CoreV1().ConfigMaps(c.namespace).Delete(ctx, c.name, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete configmap %s: %w", c.name, err)
	}
	return nil
}

func (c *channel) Close() error { return nil }

// extractBetween returns the text between the first begin/end marker pair.
func extractBetween(s, begin, end string) (string, bool) {
	_, after, found := strings.Cut(s, begin)
	if !found {
		return "", false
	}
	inner, _, found := strings.Cut(after, end)
	if !found {
		return "", false
	}
	return inner, true
}
