// Package kube adapts the engine to a container-job orchestrator. Each job
// becomes a batch/v1 Job with a single container; the payload travels in a
// ConfigMap, the result envelope comes back through pod logs, and cleanup
// leans on the Job's bounded post-completion TTL. The orchestrator endpoint
// is handed to the engine ready to use — cluster provisioning is an
// external collaborator.
package kube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	batchv1 "k8s.io/api/batch/v1"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

const pollInterval = 5 * time.Second

// Backend submits jobs to one orchestrator namespace.
type Backend struct {
	target model.Target
	client kubernetes.Interface
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*batchv1.Job // built manifests awaiting Submit, by job ID
}

var _ backend.Backend = (*Backend)(nil)

// New creates an orchestrator backend, connecting via the target's
// kubeconfig or, when none is named, the in-cluster service account.
func New(target model.Target, logger *slog.Logger) (*Backend, error) {
	var (
		cfg *rest.Config
		err error
	)
	if target.KubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", target.KubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, &model.ConnectionError{Target: target.Name, Err: err}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, &model.ConnectionError{Target: target.Name, Err: err}
	}
	return NewWithClient(target, client, logger), nil
}

// NewWithClient creates the backend around an existing clientset.
func NewWithClient(target model.Target, client kubernetes.Interface, logger *slog.Logger) *Backend {
	return &Backend{
		target: target,
		client: client,
		logger: logger,
		jobs:   make(map[string]*batchv1.Job),
	}
}

func (b *Backend) Kind() string { return model.KindKube }

// Slots reports the configured worker slots, falling back to the cluster's
// node count at planning time.
func (b *Backend) Slots(ctx context.Context) (int, error) {
	if b.target.WorkerSlots > 0 {
		return b.target.WorkerSlots, nil
	}
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, &model.ConnectionError{Target: b.target.Name, Err: err}
	}
	if len(nodes.Items) == 0 {
		return 1, nil
	}
	return len(nodes.Items), nil
}

func (b *Backend) Connect(_ context.Context, job *model.Job) (transfer.Channel, error) {
	return &channel{
		client:    b.client,
		namespace: b.namespace(),
		name:      model.WorkDirName(job.ID),
		jobLabel:  job.ID,
		files:     make(map[string][]byte),
	}, nil
}

func (b *Backend) RemoteRoot() string { return workMount }

func (b *Backend) PollInterval() time.Duration { return pollInterval }

// BuildArtifact renders the Job manifest; the YAML text is the artifact.
func (b *Backend) BuildArtifact(job *model.Job, wu *task.WorkUnit) (backend.Artifact, error) {
	manifest, err := buildJob(b.target, job, wu)
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("build job manifest: %w", err)
	}

	b.mu.Lock()
	b.jobs[job.ID] = manifest
	b.mu.Unlock()

	rendered, err := yaml.Marshal(manifest)
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("render job manifest: %w", err)
	}
	return backend.Artifact{
		Name:    "manifest.yaml",
		Content: rendered,
		Mode:    0o644,
	}, nil
}

// Submit creates the payload ConfigMap and the Job.
func (b *Backend) Submit(ctx context.Context, ch transfer.Channel, h backend.Handle, _ backend.Artifact) (backend.Handle, error) {
	kc, ok := ch.(*channel)
	if !ok {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: model.KindKube,
			Err:     fmt.Errorf("channel is not an orchestrator channel"),
		}
	}

	b.mu.Lock()
	manifest, ok := b.jobs[h.JobID]
	delete(b.jobs, h.JobID)
	b.mu.Unlock()
	if !ok {
		return h, &model.SubmissionError{
			JobID:   h.JobID,
			Backend: model.KindKube,
			Err:     fmt.Errorf("no manifest built for job"),
		}
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      kc.name,
			Namespace: b.namespace(),
			Labels:    map[string]string{jobNameLabel: h.JobID},
		},
		BinaryData: kc.files,
	}
	if _, err := b.client.CoreV1().ConfigMaps(b.namespace()).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return h, &model.SubmissionError{JobID: h.JobID, Backend: model.KindKube, Err: fmt.Errorf("create configmap: %w", err)}
	}

	created, err := b.client.BatchV1().Jobs(b.namespace()).Create(ctx, manifest, metav1.CreateOptions{})
	if err != nil {
		return h, &model.SubmissionError{JobID: h.JobID, Backend: model.KindKube, Err: fmt.Errorf("create job: %w", err)}
	}

	b.logger.Info("created orchestrator job",
		"job_id", h.JobID,
		"namespace", b.namespace(),
		"name", created.Name,
	)

	h.RemoteID = created.Name
	return h, nil
}

// Poll reads the Job's status counters. A pure GET, safe to repeat.
func (b *Backend) Poll(ctx context.Context, _ transfer.Channel, h backend.Handle) (backend.Status, error) {
	job, err := b.client.BatchV1().Jobs(b.namespace()).Get(ctx, h.RemoteID, metav1.GetOptions{})
	if err != nil {
		if isNotFound(err) {
			// TTL reaped the Job before we saw it finish.
			return backend.StatusFailed, nil
		}
		return "", fmt.Errorf("poll job %s: %w", h.RemoteID, err)
	}

	switch {
	case job.Status.Succeeded > 0:
		return backend.StatusSucceeded, nil
	case job.Status.Failed > 0:
		return backend.StatusFailed, nil
	case job.Status.Active > 0:
		return backend.StatusRunning, nil
	default:
		return backend.StatusPending, nil
	}
}

func (b *Backend) FetchLogs(ctx context.Context, _ transfer.Channel, h backend.Handle) (string, error) {
	return podLogs(ctx, b.client, b.namespace(), h.JobID)
}

// Cancel deletes the Job and its pods.
func (b *Backend) Cancel(ctx context.Context, _ transfer.Channel, h backend.Handle) error {
	if h.RemoteID == "" {
		return nil
	}
	policy := metav1.DeletePropagationForeground
	err := b.client.BatchV1().Jobs(b.namespace()).Delete(ctx, h.RemoteID, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete job %s: %w", h.RemoteID, err)
	}
	return nil
}

func (b *Backend) namespace() string {
	if b.target.Namespace != "" {
		return b.target.Namespace
	}
	return "default"
}

// podLogs returns the log text of the job's pod, or "" while no pod exists.
func podLogs(ctx context.Context, client kubernetes.Interface, namespace, jobID string) (string, error) {
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + jobID,
	})
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	req := client.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("stream pod logs: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("read pod logs: %w", err)
	}
	return string(data), nil
}

func isNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}
