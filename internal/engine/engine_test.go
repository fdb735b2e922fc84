package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offloadlabs/offload/internal/backend"
	"github.com/offloadlabs/offload/internal/backend/localexec"
	"github.com/offloadlabs/offload/internal/config"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/store"
	"github.com/offloadlabs/offload/internal/task"
	"github.com/offloadlabs/offload/internal/transfer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		PollInterval:      100 * time.Millisecond,
		JobTimeout:        time.Minute,
		MaxConcurrentJobs: 4,
		ShardPolicy:       config.ShardFailFast,
	}
}

// newLocalEngine wires an engine to an in-process local target with work
// dirs under a per-test temp root.
func newLocalEngine(t *testing.T, cfg config.Config) (*Engine, store.Store, string) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := task.NewRegistry()
	reg.MustRegister("demo.add", func(a, b int) (int, error) { return a + b, nil })
	reg.MustRegister("demo.fail", func() error { return errors.New("boom") })
	reg.MustRegister("demo.hang", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	reg.MustRegisterMappable("demo.square", func(i int) (int, error) { return i * i, nil })
	reg.MustRegisterMappable("demo.flaky", func(i int) (int, error) {
		if i == 0 {
			return 0, errors.New("kernel boom")
		}
		return i * i, nil
	})

	root := t.TempDir()
	eng := New(cfg, st, reg, testLogger())
	eng.AddTarget(
		model.Target{Kind: model.KindLocal, Name: "local"},
		localexec.New(reg, root, testLogger()),
	)
	t.Cleanup(eng.Wait)

	return eng, st, root
}

func waitState(t *testing.T, st store.Store, jobID, want string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.State == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
	return nil
}

func TestRunLocalSuccess(t *testing.T) {
	eng, st, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{Task: "demo.add", Args: []any{7, 35}, Target: "local"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	value, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, ok := value.(int); !ok || got != 42 {
		t.Errorf("value = %v (%T), want 42", value, value)
	}

	j := waitState(t, st, h.JobID, model.StateSucceeded)
	if j.Error != "" {
		t.Errorf("error = %q", j.Error)
	}
	if j.SubmittedAt == nil || j.FinishedAt == nil {
		t.Errorf("timestamps missing: %+v", j)
	}
	if j.DurationMS == nil {
		t.Error("duration should be recorded")
	}

	// Successful jobs clean their work dir up.
	if _, err := os.Stat(j.RemoteWorkDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("work dir %s should be removed, stat err = %v", j.RemoteWorkDir, err)
	}
}

func TestKeepWorkDir(t *testing.T) {
	cfg := testConfig()
	cfg.KeepWorkDir = true
	eng, st, _ := newLocalEngine(t, cfg)
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{Task: "demo.add", Args: []any{1, 2}, Target: "local"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	j := waitState(t, st, h.JobID, model.StateSucceeded)
	if _, err := os.Stat(path.Join(j.RemoteWorkDir, task.ResultFile)); err != nil {
		t.Errorf("result artifact should be kept: %v", err)
	}
}

func TestRunRemoteTaskFailure(t *testing.T) {
	eng, st, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{Task: "demo.fail", Target: "local"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Wait(ctx)
	var rerr *model.RemoteExecutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RemoteExecutionError", err)
	}
	if !strings.Contains(rerr.Message, "boom") {
		t.Errorf("message = %q", rerr.Message)
	}

	j := waitState(t, st, h.JobID, model.StateFailed)
	if !strings.Contains(j.Error, "boom") {
		t.Errorf("persisted error = %q", j.Error)
	}
}

func TestCancelRunningJob(t *testing.T) {
	eng, st, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{Task: "demo.hang", Target: "local"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitState(t, st, h.JobID, model.StateSubmitted)

	if !eng.CancelJob(h.JobID) {
		t.Fatal("CancelJob should find the handle")
	}
	_, err = h.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	waitState(t, st, h.JobID, model.StateCancelled)

	if eng.CancelJob("job-from-a-previous-process") {
		t.Error("unknown job should not be cancellable")
	}
}

func TestJobTimeout(t *testing.T) {
	eng, st, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{
		Task:    "demo.hang",
		Target:  "local",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Wait(ctx)
	var terr *model.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if terr.Limit != 50*time.Millisecond {
		t.Errorf("limit = %v", terr.Limit)
	}
	waitState(t, st, h.JobID, model.StateTimedOut)
}

func TestSubmitRejectsMappableTask(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	if _, err := eng.Submit(context.Background(), Call{Task: "demo.square", Target: "local"}); err == nil {
		t.Fatal("mappable task must go through RunMapped")
	}
}

func TestSubmitUnknownTarget(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	if _, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{1, 2}, Target: "mars"}); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestSubmitInvalidResources(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	call := Call{
		Task:      "demo.add",
		Args:      []any{1, 2},
		Target:    "local",
		Resources: model.ResourceSpec{GPUFanOut: true},
	}
	if _, err := eng.Submit(context.Background(), call); err == nil {
		t.Fatal("expected resource validation error")
	}
}

func TestRunMapped(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	value, err := eng.RunMapped(ctx, MappedCall{
		Call: Call{Task: "demo.square", Target: "local", Resources: model.ResourceSpec{FanOut: true}},
		N:    6,
	})
	if err != nil {
		t.Fatalf("RunMapped: %v", err)
	}

	want := []int{0, 1, 4, 9, 16, 25}
	if !reflect.DeepEqual(value, want) {
		t.Errorf("value = %v, want %v", value, want)
	}
}

func TestRunMappedSingleSlotWithoutFanOut(t *testing.T) {
	eng, st, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	m, plan, err := eng.SubmitMapped(ctx, MappedCall{
		Call: Call{Task: "demo.square", Target: "local"},
		N:    5,
	})
	if err != nil {
		t.Fatalf("SubmitMapped: %v", err)
	}
	if len(m.Handles) != 1 || len(plan.Shards) != 1 {
		t.Fatalf("shards = %d, want 1 without fan-out", len(m.Handles))
	}

	value, err := m.Handles[0].Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !reflect.DeepEqual(value, []int{0, 1, 4, 9, 16}) {
		t.Errorf("value = %v", value)
	}

	j := waitState(t, st, m.Handles[0].JobID, model.StateSucceeded)
	if j.ShardCount != 1 {
		t.Errorf("shard count = %d", j.ShardCount)
	}
}

func TestRunMappedFailFast(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())

	_, err := eng.RunMapped(context.Background(), MappedCall{
		Call: Call{Task: "demo.flaky", Target: "local", Resources: model.ResourceSpec{FanOut: true}},
		N:    8,
	})
	if err == nil {
		t.Fatal("expected shard failure")
	}
	// Index 0 always lands in shard 0.
	if !strings.Contains(err.Error(), "shard 0") || !strings.Contains(err.Error(), "kernel boom") {
		t.Errorf("err = %v", err)
	}
}

func TestRunMappedBestEffort(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())

	_, err := eng.RunMapped(context.Background(), MappedCall{
		Call:   Call{Task: "demo.flaky", Target: "local", Resources: model.ResourceSpec{FanOut: true}},
		N:      8,
		Policy: config.ShardBestEffort,
	})
	if err == nil {
		t.Fatal("expected joined shard failure")
	}
	if !strings.Contains(err.Error(), "kernel boom") {
		t.Errorf("err = %v", err)
	}
}

func TestRunMappedRejectsPlainTask(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	_, _, err := eng.SubmitMapped(context.Background(), MappedCall{
		Call: Call{Task: "demo.add", Target: "local"},
		N:    4,
	})
	if err == nil {
		t.Fatal("plain task must not fan out")
	}
	_, _, err = eng.SubmitMapped(context.Background(), MappedCall{
		Call: Call{Task: "demo.square", Target: "local"},
		N:    0,
	})
	if err == nil {
		t.Fatal("expected error for n = 0")
	}
}

// stubChannel keys files by base name so tests can stage artifacts without
// knowing the generated work dir path.
type stubChannel struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newStubChannel() *stubChannel {
	return &stubChannel{files: make(map[string][]byte)}
}

func (c *stubChannel) put(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[name] = data
}

func (c *stubChannel) MkdirAll(context.Context, string) error { return nil }

func (c *stubChannel) Put(_ context.Context, p string, data []byte, _ fs.FileMode) error {
	c.put(path.Base(p), data)
	return nil
}

func (c *stubChannel) Fetch(_ context.Context, p string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[path.Base(p)]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", p, fs.ErrNotExist)
	}
	return data, nil
}

func (c *stubChannel) Run(context.Context, string) (string, string, int, error) {
	return "", "", 0, nil
}

func (c *stubChannel) RemoveAll(_ context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, p)
	return nil
}

func (c *stubChannel) Close() error { return nil }

func (c *stubChannel) removedDirs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

// stubBackend reports a scripted status sequence and lets tests fail
// submission deterministically.
type stubBackend struct {
	ch *stubChannel

	mu          sync.Mutex
	statuses    []backend.Status
	statusIdx   int
	submitErrs  []error
	submitCalls int
	cancelled   bool
}

func (b *stubBackend) Kind() string { return "stub" }

func (b *stubBackend) Slots(context.Context) (int, error) { return 4, nil }

func (b *stubBackend) Connect(context.Context, *model.Job) (transfer.Channel, error) {
	return b.ch, nil
}

func (b *stubBackend) RemoteRoot() string { return "/stub/work" }

func (b *stubBackend) PollInterval() time.Duration { return 10 * time.Millisecond }

func (b *stubBackend) BuildArtifact(*model.Job, *task.WorkUnit) (backend.Artifact, error) {
	return backend.Artifact{Name: "job.sh", Content: []byte("#!/bin/sh\n"), Mode: 0o755}, nil
}

func (b *stubBackend) Submit(_ context.Context, _ transfer.Channel, h backend.Handle, _ backend.Artifact) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return h, err
		}
	}
	h.RemoteID = "stub-1"
	return h, nil
}

func (b *stubBackend) Poll(context.Context, transfer.Channel, backend.Handle) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.statuses[b.statusIdx]
	if b.statusIdx < len(b.statuses)-1 {
		b.statusIdx++
	}
	return st, nil
}

func (b *stubBackend) FetchLogs(context.Context, transfer.Channel, backend.Handle) (string, error) {
	return "", nil
}

func (b *stubBackend) Cancel(context.Context, transfer.Channel, backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
	return nil
}

func newStubEngine(t *testing.T, sb *stubBackend) (*Engine, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := task.NewRegistry()
	reg.MustRegister("demo.add", func(a, b int) (int, error) { return a + b, nil })

	eng := New(testConfig(), st, reg, testLogger())
	eng.AddTarget(model.Target{Kind: "stub", Name: "stub"}, sb)
	t.Cleanup(eng.Wait)
	return eng, st
}

func TestSuccessWithoutResultArtifact(t *testing.T) {
	sb := &stubBackend{
		ch:       newStubChannel(),
		statuses: []backend.Status{backend.StatusRunning, backend.StatusSucceeded},
	}
	eng, st := newStubEngine(t, sb)

	h, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{1, 2}, Target: "stub"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Wait(context.Background())
	var merr *model.ResultMissingError
	if !errors.As(err, &merr) {
		t.Fatalf("err = %v, want ResultMissingError", err)
	}
	waitState(t, st, h.JobID, model.StateFailed)

	// The work dir stays for inspection.
	if dirs := sb.ch.removedDirs(); len(dirs) != 0 {
		t.Errorf("work dir removed: %v", dirs)
	}
}

func TestSuccessViaStubEnvelope(t *testing.T) {
	env, err := task.NewSuccessEnvelope(42, task.EncodingGob)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ch := newStubChannel()
	ch.put(task.ResultFile, data)
	sb := &stubBackend{ch: ch, statuses: []backend.Status{backend.StatusSucceeded}}
	eng, st := newStubEngine(t, sb)

	h, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{40, 2}, Target: "stub"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	value, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %v", value)
	}

	j := waitState(t, st, h.JobID, model.StateSucceeded)
	if j.RemoteID != "stub-1" {
		t.Errorf("remote ID = %q", j.RemoteID)
	}
	if dirs := sb.ch.removedDirs(); len(dirs) != 1 {
		t.Errorf("work dir should be cleaned up, removed = %v", dirs)
	}
}

func TestRemoteFailureCarriesErrorFile(t *testing.T) {
	ch := newStubChannel()
	ch.put(runner.ErrorFile, []byte("stage A exploded"))
	sb := &stubBackend{ch: ch, statuses: []backend.Status{backend.StatusFailed}}
	eng, st := newStubEngine(t, sb)

	h, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{1, 2}, Target: "stub"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Wait(context.Background())
	var rerr *model.RemoteExecutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RemoteExecutionError", err)
	}
	if rerr.Message != "stage A exploded" {
		t.Errorf("message = %q", rerr.Message)
	}
	waitState(t, st, h.JobID, model.StateFailed)
}

func TestSubmitRetriedOnConnectionError(t *testing.T) {
	env, _ := task.NewSuccessEnvelope(3, task.EncodingGob)
	data, _ := env.Marshal()
	ch := newStubChannel()
	ch.put(task.ResultFile, data)

	sb := &stubBackend{
		ch:         ch,
		statuses:   []backend.Status{backend.StatusSucceeded},
		submitErrs: []error{&model.ConnectionError{Target: "stub", Err: errors.New("broken pipe")}, nil},
	}
	eng, _ := newStubEngine(t, sb)

	h, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{1, 2}, Target: "stub"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	sb.mu.Lock()
	calls := sb.submitCalls
	sb.mu.Unlock()
	if calls != 2 {
		t.Errorf("submit calls = %d, want 2 (one retry)", calls)
	}
}

func TestSubmitNotRetriedOnSubmissionError(t *testing.T) {
	sb := &stubBackend{
		ch:       newStubChannel(),
		statuses: []backend.Status{backend.StatusPending},
		submitErrs: []error{&model.SubmissionError{
			JobID:   "x",
			Backend: "stub",
			Err:     errors.New("queue rejected the script"),
		}},
	}
	eng, st := newStubEngine(t, sb)

	h, err := eng.Submit(context.Background(), Call{Task: "demo.add", Args: []any{1, 2}, Target: "stub"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = h.Wait(context.Background())
	var serr *model.SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want SubmissionError", err)
	}
	waitState(t, st, h.JobID, model.StateFailed)

	sb.mu.Lock()
	calls := sb.submitCalls
	sb.mu.Unlock()
	if calls != 1 {
		t.Errorf("submit calls = %d, re-submission could double-enqueue", calls)
	}
}

// shardBackend keeps fanned-out jobs running forever except one chosen
// shard, which fails, so tests can observe what happens to its siblings.
type shardBackend struct {
	ch        *stubChannel
	failShard int

	mu        sync.Mutex
	shards    map[string]int // job ID → shard index, recorded on Connect
	cancelled []string
}

func (b *shardBackend) Kind() string { return "stub" }

func (b *shardBackend) Slots(context.Context) (int, error) { return 3, nil }

func (b *shardBackend) Connect(_ context.Context, job *model.Job) (transfer.Channel, error) {
	b.mu.Lock()
	b.shards[job.ID] = job.ShardIndex
	b.mu.Unlock()
	return b.ch, nil
}

func (b *shardBackend) RemoteRoot() string { return "/stub/work" }

func (b *shardBackend) PollInterval() time.Duration { return 10 * time.Millisecond }

func (b *shardBackend) BuildArtifact(*model.Job, *task.WorkUnit) (backend.Artifact, error) {
	return backend.Artifact{Name: "job.sh", Content: []byte("#!/bin/sh\n"), Mode: 0o755}, nil
}

func (b *shardBackend) Submit(_ context.Context, _ transfer.Channel, h backend.Handle, _ backend.Artifact) (backend.Handle, error) {
	h.RemoteID = "stub-" + h.JobID
	return h, nil
}

func (b *shardBackend) Poll(_ context.Context, _ transfer.Channel, h backend.Handle) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shards[h.JobID] == b.failShard {
		return backend.StatusFailed, nil
	}
	return backend.StatusRunning, nil
}

func (b *shardBackend) FetchLogs(context.Context, transfer.Channel, backend.Handle) (string, error) {
	return "", nil
}

func (b *shardBackend) Cancel(_ context.Context, _ transfer.Channel, h backend.Handle) error {
	b.mu.Lock()
	b.cancelled = append(b.cancelled, h.JobID)
	b.mu.Unlock()
	return nil
}

func TestRunMappedFailFastCancelsSiblings(t *testing.T) {
	sb := &shardBackend{ch: newStubChannel(), shards: make(map[string]int)}

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := task.NewRegistry()
	reg.MustRegisterMappable("demo.square", func(i int) (int, error) { return i * i, nil })

	eng := New(testConfig(), st, reg, testLogger())
	eng.AddTarget(model.Target{Kind: "stub", Name: "stub"}, sb)
	t.Cleanup(eng.Wait)

	_, err = eng.RunMapped(context.Background(), MappedCall{
		Call: Call{
			Task:      "demo.square",
			Target:    "stub",
			Resources: model.ResourceSpec{FanOut: true},
		},
		N: 6,
	})
	if err == nil {
		t.Fatal("expected the failed shard's error")
	}
	if !strings.Contains(err.Error(), "shard 0") {
		t.Errorf("err = %v, want shard 0 attribution", err)
	}

	sb.mu.Lock()
	shards := make(map[string]int, len(sb.shards))
	for id, idx := range sb.shards {
		shards[id] = idx
	}
	cancelled := append([]string(nil), sb.cancelled...)
	sb.mu.Unlock()

	if len(shards) != 3 {
		t.Fatalf("got %d shard jobs, want 3", len(shards))
	}
	for id, idx := range shards {
		gotCancel := false
		for _, c := range cancelled {
			if c == id {
				gotCancel = true
			}
		}
		if idx == 0 {
			if gotCancel {
				t.Errorf("failed shard job %s should not get a remote cancel", id)
			}
			waitState(t, st, id, model.StateFailed)
			continue
		}
		if !gotCancel {
			t.Errorf("surviving shard %d (%s) never received a remote cancel", idx, id)
		}
		waitState(t, st, id, model.StateCancelled)
	}
}

func TestHandleRemovedAfterJobFinishes(t *testing.T) {
	eng, _, _ := newLocalEngine(t, testConfig())
	ctx := context.Background()

	h, err := eng.Submit(ctx, Call{Task: "demo.add", Args: []any{1, 2}, Target: "local"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The lifecycle goroutine drops the handle after delivering the result.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := eng.Handle(h.JobID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished job still holds an engine handle")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinRemote(t *testing.T) {
	cases := []struct{ root, name, want string }{
		{"", "offload-x", "offload-x"},
		{"/work", "offload-x", "/work/offload-x"},
		{"/work/", "offload-x", "/work/offload-x"},
	}
	for _, tc := range cases {
		if got := joinRemote(tc.root, tc.name); got != tc.want {
			t.Errorf("joinRemote(%q, %q) = %q, want %q", tc.root, tc.name, got, tc.want)
		}
	}
}
