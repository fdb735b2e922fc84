package kube

import (
	"fmt"
	"path"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/task"
)

const (
	// payloadMount is where the payload ConfigMap is mounted (read-only);
	// workMount is the writable emptyDir the runner actually executes in.
	payloadMount = "/offload/payload"
	workMount    = "/offload/work"

	// ttlAfterFinished bounds how long finished Jobs linger before the
	// orchestrator garbage-collects them.
	ttlAfterFinished int32 = 600

	jobNameLabel = "offload.dev/job-id"
)

// buildJob renders the batch Job object for one work unit: a single
// container, resource requests/limits from the spec, restart policy Never,
// and a bounded post-completion TTL.
func buildJob(target model.Target, job *model.Job, wu *task.WorkUnit) (*batchv1.Job, error) {
	spec := wu.Resources

	memBytes, err := spec.MemoryBytes()
	if err != nil {
		return nil, err
	}

	name := model.WorkDirName(job.ID)
	runnerBin := target.RunnerPath
	if runnerBin == "" {
		runnerBin = "/usr/local/bin/offload-runner"
	}

	requests := corev1.ResourceList{}
	if spec.Cores > 0 {
		requests[corev1.ResourceCPU] = *resource.NewQuantity(int64(spec.Cores), resource.DecimalSI)
	}
	if memBytes > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(memBytes), resource.BinarySI)
	}
	limits := requests.DeepCopy()
	if spec.GPUs > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(int64(spec.GPUs), resource.DecimalSI)
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var activeDeadline *int64
	if spec.TimeLimit > 0 {
		secs := int64(spec.TimeLimit.Seconds())
		activeDeadline = &secs
	}

	ttl := ttlAfterFinished
	backoff := int32(0)

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: target.Namespace,
			Labels:    map[string]string{jobNameLabel: job.ID},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   activeDeadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{jobNameLabel: job.ID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "offload",
						Image:   target.Image,
						Command: []string{"/bin/sh", "-c", containerScript(target, runnerBin, spec)},
						Env:     env,
						Resources: corev1.ResourceRequirements{
							Requests: requests,
							Limits:   limits,
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "payload", MountPath: payloadMount, ReadOnly: true},
							{Name: "work", MountPath: workMount},
						},
					}},
					Volumes: []corev1.Volume{
						{
							Name: "payload",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: name},
								},
							},
						},
						{
							Name:         "work",
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}, nil
}

// containerScript copies the read-only payload into the writable work dir,
// runs any setup commands, and invokes stage A with stdout emission — pod
// logs are the only read-back path for the result envelope.
func containerScript(target model.Target, runnerBin string, spec model.ResourceSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cp %s/* %s/ && cd %s || exit 1\n", payloadMount, workMount, workMount)
	for _, cmd := range spec.SetupCommands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%q -mode=stage-a -workdir=. -emit", runnerBin)
	if spec.TwoStage {
		b.WriteString(" -two-stage")
		if target.StageBRunnerPath != "" {
			fmt.Fprintf(&b, " -stage-b-bin=%q", target.StageBRunnerPath)
		}
	}
	return b.String()
}

// payloadKey flattens a work-dir path into a ConfigMap data key.
func payloadKey(p string) string {
	return path.Base(p)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
