package model

// Target describes one configured remote compute surface reachable by a
// backend adapter. Targets are resolved by external configuration and
// credential collaborators and are never mutated by the engine.
type Target struct {
	Kind string `json:"kind"`
	Name string `json:"name"`

	// SSH connection parameters, used by the shell and batch-queue backends.
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`

	// Queue or partition submitted to when the resource spec names none.
	Queue string `json:"queue,omitempty"`

	// Container-orchestrator parameters. KubeconfigPath may be empty when the
	// provisioning collaborator hands the engine an in-cluster endpoint.
	Namespace      string `json:"namespace,omitempty"`
	Image          string `json:"image,omitempty"`
	KubeconfigPath string `json:"kubeconfig_path,omitempty"`

	// RemoteRoot is the directory under which per-job work dirs are created.
	RemoteRoot string `json:"remote_root,omitempty"`

	// RunnerPath points at a runner binary already present on the target.
	// Empty means the engine provisions one at job creation.
	RunnerPath string `json:"runner_path,omitempty"`

	// StageBRunnerPath, when set, names the binary used for the second
	// execution stage (the one carrying the heavy dependency stack).
	StageBRunnerPath string `json:"stage_b_runner_path,omitempty"`

	// RuntimeTag identifies the target's runner build. When it differs from
	// the local build tag, work units are captured with the portable encoding.
	RuntimeTag string `json:"runtime_tag,omitempty"`

	// WorkerSlots and GPUSlots bound fan-out. Zero lets the backend report
	// its own default.
	WorkerSlots int `json:"worker_slots,omitempty"`
	GPUSlots    int `json:"gpu_slots,omitempty"`
}
