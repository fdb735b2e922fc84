package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/config"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/store"
	"github.com/offloadlabs/offload/internal/task"
)

// Call describes one invocation of a registered task against a named target.
type Call struct {
	Task      string
	Args      []any
	Kwargs    map[string]any
	Resources model.ResourceSpec
	Target    string

	// Timeout is the wall-clock limit for this job; zero uses the engine
	// default. Enforced by the poll loop, independent of any backend-native
	// hard limit.
	Timeout time.Duration
}

// MappedCall fans a mappable task out over the index range [0, N).
type MappedCall struct {
	Call

	// N is the iteration length.
	N int

	// Policy overrides the engine's shard failure policy for this call:
	// config.ShardFailFast or config.ShardBestEffort.
	Policy string
}

// JobHandle is the pollable handle returned by non-blocking submission.
type JobHandle struct {
	JobID string
	Shard int

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	value  any
	err    error
}

func newJobHandle(jobID string, shard int, cancel context.CancelFunc) *JobHandle {
	return &JobHandle{JobID: jobID, Shard: shard, cancel: cancel, done: make(chan struct{})}
}

func (h *JobHandle) finish(value any, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation of the job. Safe to call at any time and
// more than once; a terminal job is unaffected.
func (h *JobHandle) Cancel() { h.cancel() }

// Wait blocks until the job is terminal or ctx expires.
func (h *JobHandle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.value, h.err
	}
}

// Engine is the job lifecycle manager: it owns every job from submission to
// terminal state, including polling cadence, timeout, and cleanup policy.
type Engine struct {
	cfg      config.Config
	store    store.Store
	registry *backend.Registry
	tasks    *task.Registry
	logger   *slog.Logger
	broker   *LogBroker

	// sem bounds how many jobs run their lifecycle concurrently.
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.RWMutex
	targets map[string]model.Target
	handles map[string]*JobHandle
}

// New creates an engine. Configuration is an explicit value; the engine
// keeps no process-wide settings.
func New(cfg config.Config, st store.Store, tasks *task.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: backend.NewRegistry(),
		tasks:    tasks,
		logger:   logger,
		broker:   NewLogBroker(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		targets:  make(map[string]model.Target),
		handles:  make(map[string]*JobHandle),
	}
}

// AddTarget registers an execution target and its constructed backend.
func (e *Engine) AddTarget(target model.Target, b backend.Backend) {
	e.registry.Register(target.Name, b)
	e.mu.Lock()
	e.targets[target.Name] = target
	e.mu.Unlock()
}

// Registry exposes the backend registry for the status API.
func (e *Engine) Registry() *backend.Registry { return e.registry }

// Broker returns the engine's log broker for streaming subscription.
func (e *Engine) Broker() *LogBroker { return e.broker }

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) resolve(name string) (model.Target, backend.Backend, error) {
	b, err := e.registry.Resolve(name)
	if err != nil {
		return model.Target{}, nil, err
	}
	e.mu.RLock()
	target := e.targets[name]
	e.mu.RUnlock()
	return target, b, nil
}

// Run is the blocking form of Submit: it returns the task's value or its
// failure. Abandoning the call (ctx expiry) cancels the job.
func (e *Engine) Run(ctx context.Context, call Call) (any, error) {
	h, err := e.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	value, err := h.Wait(ctx)
	if ctx.Err() != nil {
		h.Cancel()
	}
	return value, err
}

// Submit captures the call into a work unit and launches its lifecycle,
// returning immediately with a pollable handle.
func (e *Engine) Submit(ctx context.Context, call Call) (*JobHandle, error) {
	if e.tasks.Mappable(call.Task) {
		return nil, fmt.Errorf("task %q is mappable; submit it through RunMapped", call.Task)
	}
	if err := call.Resources.Validate(); err != nil {
		return nil, err
	}

	target, b, err := e.resolve(call.Target)
	if err != nil {
		return nil, err
	}

	enc := task.ChooseEncoding(runner.BuildTag(), target.RuntimeTag)
	wu, err := e.tasks.Capture(call.Task, call.Args, call.Kwargs, call.Resources, enc)
	if err != nil {
		return nil, err
	}

	return e.submitUnit(ctx, wu, target, b, 0, 0, e.timeoutFor(call))
}

// submitUnit persists the job record and starts the lifecycle goroutine.
// shardIndex/shardCount are zero for single-shot jobs.
func (e *Engine) submitUnit(ctx context.Context, wu *task.WorkUnit, target model.Target, b backend.Backend, shardIndex, shardCount int, timeout time.Duration) (*JobHandle, error) {
	job := &model.Job{
		ID:         model.NewID(),
		Task:       wu.Task,
		State:      model.StateCreated,
		TargetKind: b.Kind(),
		TargetName: target.Name,
		Encoding:   string(wu.Encoding),
		ShardIndex: shardIndex,
		ShardCount: shardCount,
		CreatedAt:  time.Now().UTC(),
	}
	job.RemoteWorkDir = joinRemote(b.RemoteRoot(), model.WorkDirName(job.ID))

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	h := newJobHandle(job.ID, shardIndex, cancel)

	e.mu.Lock()
	e.handles[job.ID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(jobCtx, job, wu, target, b, h, timeout)

		// The handle has delivered its result; terminal jobs live on only
		// in the store. Without this the map grows for the process lifetime.
		e.mu.Lock()
		delete(e.handles, job.ID)
		e.mu.Unlock()
	}()

	return h, nil
}

// Handle looks up the in-memory handle of a live job owned by this engine
// instance. Finished jobs and jobs from earlier processes exist only in
// the store.
func (e *Engine) Handle(jobID string) (*JobHandle, bool) {
	e.mu.RLock()
	h, ok := e.handles[jobID]
	e.mu.RUnlock()
	return h, ok
}

// CancelJob requests cancellation of a job by ID.
func (e *Engine) CancelJob(jobID string) bool {
	h, ok := e.Handle(jobID)
	if ok {
		h.Cancel()
	}
	return ok
}

func (e *Engine) timeoutFor(call Call) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	return e.cfg.JobTimeout
}

// joinRemote joins remote paths without touching the local separator rules.
func joinRemote(root, name string) string {
	if root == "" {
		return name
	}
	if root[len(root)-1] == '/' {
		return root + name
	}
	return root + "/" + name
}
