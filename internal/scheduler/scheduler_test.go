package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/me/cycleflow/internal/broadcast"
	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/executor"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/internal/metrics"
	"github.com/me/cycleflow/internal/runmode"
	"github.com/me/cycleflow/internal/store"
	"github.com/me/cycleflow/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 10 * time.Second

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func compile(t *testing.T, src string) *graph.Workflow {
	t.Helper()
	cfg, err := config.ParseWorkflow([]byte(src))
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	wf, err := graph.Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return wf
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type harness struct {
	s      *Scheduler
	st     *store.SQLiteStore
	clock  *clock.Mock
	runDir string
	events <-chan model.TaskEvent
	seen   []model.TaskEvent
	errc   chan error
}

// newHarness builds a scheduler on st with a mock clock, the local executor
// and the simulator. Subscription starts before anything is spawned.
func newHarness(t *testing.T, st *store.SQLiteStore, runDir, src string, opts Options) *harness {
	t.Helper()
	logger := discard()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))

	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalExecutor(nil, logger))
	sim := runmode.NewSimulator(mock, logger)
	t.Cleanup(func() {
		sim.Close()
		reg.Close()
	})

	opts.RunDir = runDir
	opts.Clock = mock
	opts.TickInterval = time.Second
	s, err := New(compile(t, src), st, runmode.NewDispatcher(reg, sim, logger), opts, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, cancel := s.Subscribe(1024)
	t.Cleanup(cancel)
	return &harness{s: s, st: st, clock: mock, runDir: runDir, events: events}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.run(t)
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	h.errc = make(chan error, 1)
	go func() { h.errc <- h.s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := h.s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

// wait returns the result of Run, then collects the remaining events.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		for ev := range h.events {
			h.seen = append(h.seen, ev)
		}
		return err
	case <-time.After(waitTimeout):
		t.Fatal("workflow did not finish")
		return nil
	}
}

// waitFor reads task events until one matches.
func (h *harness) waitFor(t *testing.T, id string, from, to model.TaskState) model.TaskEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event stream closed waiting for %s %s -> %s", id, from, to)
			}
			h.seen = append(h.seen, ev)
			if ev.Task.String() == id && ev.From == from && ev.State == to {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s -> %s", id, from, to)
		}
	}
}

// states returns the sequence of states reported for one task.
func (h *harness) states(id string) []model.TaskState {
	var out []model.TaskState
	for _, ev := range h.seen {
		if ev.Task.String() == id && (len(out) == 0 || out[len(out)-1] != ev.State) {
			out = append(out, ev.State)
		}
	}
	return out
}

func (h *harness) index(id string, state model.TaskState) int {
	for i, ev := range h.seen {
		if ev.Task.String() == id && ev.State == state {
			return i
		}
	}
	return -1
}

const liveChain = `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: a => b => c
runtime:
  root:
    script: "true"
`

func TestRun_LinearChain(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), liveChain, Options{})
	h.start(t)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []model.TaskState{
		model.TaskStateWaiting,
		model.TaskStatePreparing,
		model.TaskStateSubmitted,
		model.TaskStateRunning,
		model.TaskStateSucceeded,
	}
	for _, id := range []string{"1/a", "1/b", "1/c"} {
		if diff := cmp.Diff(want, h.states(id)); diff != "" {
			t.Errorf("%s states (-want +got):\n%s", id, diff)
		}
	}
	if h.index("1/c", model.TaskStatePreparing) < h.index("1/b", model.TaskStateSucceeded) {
		t.Error("c submitted before b succeeded")
	}

	jobs, err := h.st.Jobs(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs = %+v", jobs)
	}
	for _, j := range jobs {
		if j.State != model.TaskStateSucceeded || j.ExitCode != nil || j.JobID == "" {
			t.Errorf("job %s/%s = %+v", j.Point, j.Name, j)
		}
	}
	if _, err := os.Stat(JobLogDir(h.runDir, model.TaskID{Point: "1", Name: "c"}, 1)); err != nil {
		t.Errorf("job log dir: %v", err)
	}
}

func TestRun_ExecutionRetries(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    script: 'test "$CYCLEFLOW_TASK_TRY_NUMBER" -ge 3'
    execution_retry_delays: [PT1M, PT2M]
`, Options{})
	h.start(t)

	h.waitFor(t, "1/foo", model.TaskStateRunning, model.TaskStateWaiting)
	h.clock.Add(time.Minute + time.Second)
	h.waitFor(t, "1/foo", model.TaskStateRunning, model.TaskStateWaiting)
	h.clock.Add(2*time.Minute + time.Second)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A failed try with retries left goes straight back to waiting.
	try := []model.TaskState{
		model.TaskStatePreparing,
		model.TaskStateSubmitted,
		model.TaskStateRunning,
	}
	want := []model.TaskState{model.TaskStateWaiting}
	for range 3 {
		want = append(want, try...)
		want = append(want, model.TaskStateWaiting)
	}
	want[len(want)-1] = model.TaskStateSucceeded
	if diff := cmp.Diff(want, h.states("1/foo")); diff != "" {
		t.Errorf("1/foo states (-want +got):\n%s", diff)
	}

	jobs, err := h.st.Jobs(context.Background(), "1", "foo")
	if err != nil {
		t.Fatal(err)
	}
	type attempt struct {
		SubmitNum, TryNum int
		State             model.TaskState
	}
	var got []attempt
	for _, j := range jobs {
		got = append(got, attempt{j.SubmitNum, j.TryNum, j.State})
	}
	wantJobs := []attempt{
		{1, 1, model.TaskStateFailed},
		{2, 2, model.TaskStateFailed},
		{3, 3, model.TaskStateSucceeded},
	}
	if diff := cmp.Diff(wantJobs, got); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}
}

func TestRun_BroadcastSkipBeforeSubmission(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo => bar
runtime:
  root:
    script: "true"
`, Options{Paused: true})
	h.start(t)

	ctx := context.Background()
	if _, err := h.s.Broadcast(ctx, []string{"1"}, []string{"foo"}, []broadcast.Setting{{Key: "run_mode", Value: "skip"}}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if err := h.s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.states("1/foo"); got[len(got)-1] != model.TaskStateSucceeded {
		t.Errorf("foo states = %v", got)
	}
	foo := JobLogDir(h.runDir, model.TaskID{Point: "1", Name: "foo"}, 1)
	if _, err := os.Stat(foo); !os.IsNotExist(err) {
		t.Errorf("skipped task has a job log dir: %v", err)
	}
	bar := JobLogDir(h.runDir, model.TaskID{Point: "1", Name: "bar"}, 1)
	if _, err := os.Stat(bar); err != nil {
		t.Errorf("live task has no job log dir: %v", err)
	}
	jobs, err := h.st.Jobs(ctx, "1", "foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].RunMode != model.RunModeSkip {
		t.Errorf("foo jobs = %+v", jobs)
	}
}

func TestRun_ClockExpiredAtStart(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: gregorian
  initial_cycle_point: 20240601T00Z
  final_cycle_point: 20240601T00Z
  special_tasks:
    clock_expire:
      fetch: PT1H
  graph:
    R1: fetch => crunch
runtime:
  root:
    script: "true"
`, Options{})
	h.start(t)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	id := "20240601T0000Z/fetch"
	want := []model.TaskState{model.TaskStateWaiting, model.TaskStateExpired}
	if diff := cmp.Diff(want, h.states(id)); diff != "" {
		t.Errorf("fetch states (-want +got):\n%s", diff)
	}
	for _, ev := range h.seen {
		if ev.Task.Name == "crunch" {
			t.Errorf("crunch spawned: %+v", ev)
		}
	}
}

func TestRun_InactivityAbort(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduler:
  allow_implicit_tasks: true
  events:
    inactivity_timeout: PT1M
    abort_on_inactivity_timeout: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo => bar
runtime:
  foo:
    run_mode: skip
    skip:
      outputs: [failed]
`, Options{})
	h.start(t)
	h.waitFor(t, "1/foo", model.TaskStateRunning, model.TaskStateFailed)
	h.clock.Add(2 * time.Minute)

	err := h.wait(t)
	var abort *model.AbortError
	if !errors.As(err, &abort) || abort.Reason != model.AbortInactivityTimeout {
		t.Fatalf("Run = %v, want inactivity abort", err)
	}
}

func TestRun_ExecutionTimeLimit(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    script: exec sleep 30
    execution_time_limit: PT10S
`, Options{})
	h.start(t)
	h.waitFor(t, "1/foo", model.TaskStateSubmitted, model.TaskStateRunning)
	h.clock.Add(11 * time.Second)
	h.waitFor(t, "1/foo", model.TaskStateRunning, model.TaskStateFailed)

	d, err := h.s.Dump(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Tasks) != 1 || d.Tasks[0].State != model.TaskStateFailed || !d.Tasks[0].Incomplete {
		t.Errorf("dump tasks = %+v", d.Tasks)
	}
}

func TestKill(t *testing.T) {
	h := newHarness(t, testStore(t), t.TempDir(), `
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    script: exec sleep 30
`, Options{})
	h.start(t)
	h.waitFor(t, "1/foo", model.TaskStateSubmitted, model.TaskStateRunning)

	ctx := context.Background()
	got, err := h.s.Kill(ctx, []string{"1/foo"})
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if diff := cmp.Diff([]string{"1/foo"}, got); diff != "" {
		t.Errorf("killed (-want +got):\n%s", diff)
	}
	d, err := h.s.Dump(ctx, "1/*")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Tasks) != 1 || d.Tasks[0].State != model.TaskStateFailed || !d.Tasks[0].Held {
		t.Errorf("dump tasks = %+v", d.Tasks)
	}
	if _, err := h.s.Kill(ctx, []string{"9/nope"}); err == nil {
		t.Error("kill of an unknown task accepted")
	}

	// A killed task stays held until it is removed or retriggered.
	n, err := h.s.Remove(ctx, []string{"1/foo"})
	if err != nil || n != 1 {
		t.Fatalf("Remove = %d, %v", n, err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCommands(t *testing.T) {
	m := metrics.New(nil)
	h := newHarness(t, testStore(t), t.TempDir(), liveChain, Options{Paused: true, Metrics: m})
	h.start(t)
	ctx := context.Background()

	var rejected *model.CommandRejectedError
	if _, err := h.s.Hold(ctx, []string{"1/nope"}); !errors.As(err, &rejected) {
		t.Errorf("Hold unknown task = %v, want rejected", err)
	}
	if got := testutil.ToFloat64(m.Commands.WithLabelValues("hold", "rejected")); got != 1 {
		t.Errorf("rejected hold count = %v", got)
	}
	err := h.s.RequestStop(ctx, model.StopRequestBody{Point: "2", Task: "1/a"})
	if !errors.As(err, &rejected) {
		t.Errorf("RequestStop with point and task = %v, want rejected", err)
	}
	if n, err := h.s.Hold(ctx, []string{"1/b"}); err != nil || n != 1 {
		t.Errorf("Hold future task = %d, %v", n, err)
	}
	if err := h.s.HoldAfter(ctx, "1"); err != nil {
		t.Errorf("HoldAfter: %v", err)
	}

	d, err := h.s.Dump(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Paused || d.HoldPoint != "1" || d.UUID == "" || len(d.Tasks) != 1 || d.Tasks[0].ID != "1/a" {
		t.Errorf("dump = %+v", d)
	}

	if n, err := h.s.Remove(ctx, []string{"1/a"}); err != nil || n != 1 {
		t.Fatalf("Remove = %d, %v", n, err)
	}
	// Nothing is left to run once a is gone.
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := h.s.Pause(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause after exit = %v, want ErrNotRunning", err)
	}
}

func TestStopAfterTask(t *testing.T) {
	st := testStore(t)
	h := newHarness(t, st, t.TempDir(), liveChain, Options{Paused: true})
	h.start(t)
	ctx := context.Background()

	if err := h.s.RequestStop(ctx, model.StopRequestBody{Task: "1/a"}); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if err := h.s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap, err := st.Restore(ctx, store.LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Name != "b" || snap.Tasks[0].State != model.TaskStateWaiting {
		t.Errorf("pool after stop = %+v", snap.Tasks)
	}
	if snap.Params[model.ParamStopTask] != "1/a" {
		t.Errorf("stop task param = %q", snap.Params[model.ParamStopTask])
	}
}

const cycling3 = `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  final_cycle_point: "3"
  graph:
    P1: a => b
runtime:
  root:
    script: "true"
`

func TestRestart_Fidelity(t *testing.T) {
	st := testStore(t)
	runDir := t.TempDir()
	ctx := context.Background()

	h := newHarness(t, st, runDir, cycling3, Options{Paused: true})
	h.start(t)
	if _, err := h.s.Hold(ctx, []string{"1/a"}); err != nil {
		t.Fatal(err)
	}
	if err := h.s.HoldAfter(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.Broadcast(ctx, []string{"1"}, []string{"a"}, []broadcast.Setting{{Key: "environment.X", Value: "1"}}); err != nil {
		t.Fatal(err)
	}
	id, err := h.s.TakeCheckpoint(ctx, "before")
	if err != nil {
		t.Fatalf("TakeCheckpoint: %v", err)
	}
	want, err := h.s.Dump(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	h2 := newHarness(t, st, runDir, cycling3, Options{})
	if err := h2.s.Restart(ctx, id); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	got := h2.s.dump(nil)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dump after restart (-want +got):\n%s", diff)
	}

	cps, err := st.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, c := range cps {
		events = append(events, c.Event)
	}
	if diff := cmp.Diff([]string{"latest", "before", "restart"}, events); diff != "" {
		t.Errorf("checkpoints (-want +got):\n%s", diff)
	}
}

func TestTakeCheckpoint_DefaultRetention(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	h := newHarness(t, st, t.TempDir(), cycling3, Options{Paused: true, CheckpointRetention: 0})
	h.start(t)
	if got := h.s.opts.CheckpointRetention; got != DefaultOptions().CheckpointRetention {
		t.Errorf("retention = %d, want the default", got)
	}

	var ids []int64
	for _, ev := range []string{"one", "two"} {
		id, err := h.s.TakeCheckpoint(ctx, ev)
		if err != nil {
			t.Fatalf("TakeCheckpoint(%s): %v", ev, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := st.Restore(ctx, id); err != nil {
			t.Errorf("checkpoint %d: %v", id, err)
		}
	}
}

const singleChain = `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: a => b
runtime:
  root:
    script: "true"
`

func TestRestart_NamedCheckpointRerunsChildren(t *testing.T) {
	st := testStore(t)
	runDir := t.TempDir()
	ctx := context.Background()

	h := newHarness(t, st, runDir, singleChain, Options{Paused: true})
	h.start(t)
	id, err := h.s.TakeCheckpoint(ctx, "before")
	if err != nil {
		t.Fatalf("TakeCheckpoint: %v", err)
	}
	if err := h.s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.index("1/b", model.TaskStateSucceeded) < 0 {
		t.Fatalf("first run: 1/b states = %v", h.states("1/b"))
	}

	h2 := newHarness(t, st, runDir, singleChain, Options{})
	if err := h2.s.Restart(ctx, id); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	h2.run(t)
	if err := h2.s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h2.wait(t); err != nil {
		t.Fatalf("Run after restart: %v", err)
	}
	for _, task := range []string{"1/a", "1/b"} {
		if h2.index(task, model.TaskStateSucceeded) < 0 {
			t.Errorf("after restart: %s states = %v", task, h2.states(task))
		}
	}
}

func TestRestart_RequeuesSimulatedJobs(t *testing.T) {
	st := testStore(t)
	runDir := t.TempDir()
	src := `
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    simulation:
      default_run_length: PT10M
      time_limit_buffer: PT1H
`
	h := newHarness(t, st, runDir, src, Options{RunMode: model.RunModeSimulation})
	h.start(t)
	h.waitFor(t, "1/foo", model.TaskStateSubmitted, model.TaskStateRunning)
	if err := h.s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	h2 := newHarness(t, st, runDir, src, Options{})
	if err := h2.s.Restart(context.Background(), store.LiveCheckpoint); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if h2.s.runMode != model.RunModeSimulation {
		t.Errorf("run mode = %s, want simulation", h2.s.runMode)
	}
	foo := h2.s.pool.Tasks()[0]
	if foo.State != model.TaskStateWaiting || foo.SubmitNum != 1 {
		t.Fatalf("foo after restart: state=%s submit=%d", foo.State, foo.SubmitNum)
	}

	h2.run(t)
	h2.waitFor(t, "1/foo", model.TaskStateSubmitted, model.TaskStateRunning)
	h2.clock.Add(11 * time.Minute)
	if err := h2.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	jobs, err := st.Jobs(context.Background(), "1", "foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[1].State != model.TaskStateSucceeded {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRestart_Errors(t *testing.T) {
	ctx := context.Background()
	var restartErr *model.RestartError

	h := newHarness(t, testStore(t), t.TempDir(), liveChain, Options{})
	if err := h.s.Restart(ctx, store.LiveCheckpoint); !errors.As(err, &restartErr) {
		t.Errorf("Restart of an empty store = %v, want RestartError", err)
	}

	st := testStore(t)
	first := newHarness(t, st, t.TempDir(), cycling3, Options{})
	if err := first.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	moved := newHarness(t, st, t.TempDir(), `
scheduler:
  allow_implicit_tasks: true
scheduling:
  cycling_mode: integer
  initial_cycle_point: "2"
  final_cycle_point: "3"
  graph:
    P1: a => b
runtime:
  root:
    script: "true"
`, Options{})
	if err := moved.s.Restart(ctx, store.LiveCheckpoint); !errors.As(err, &restartErr) {
		t.Errorf("Restart with a new initial point = %v, want RestartError", err)
	} else if !strings.Contains(restartErr.Reason, "initial cycle point") {
		t.Errorf("Restart with a new initial point: reason = %q", restartErr.Reason)
	}
	live := newHarness(t, st, t.TempDir(), cycling3, Options{RunMode: model.RunModeDummy})
	if err := live.s.Restart(ctx, store.LiveCheckpoint); !errors.As(err, &restartErr) {
		t.Errorf("Restart with a new run mode = %v, want RestartError", err)
	}
}

func TestJobLogDir(t *testing.T) {
	got := JobLogDir("/run", model.TaskID{Point: "20240601T0000Z", Name: "fetch"}, 3)
	if want := "/run/log/job/20240601T0000Z/fetch/03"; got != want {
		t.Errorf("JobLogDir = %q, want %q", got, want)
	}
}
