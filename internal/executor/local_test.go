package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/cycleflow/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects events and signals when a terminal one arrives.
type recorder struct {
	mu     sync.Mutex
	events []model.JobEvent
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) sink(ev model.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Kind == model.JobSucceeded || ev.Kind == model.JobFailed {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) []model.JobEvent {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.JobEvent(nil), r.events...)
}

func kinds(events []model.JobEvent) []model.JobEventKind {
	var out []model.JobEventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func testJob(t *testing.T, script string) *model.Job {
	t.Helper()
	return &model.Job{
		Task:      model.TaskID{Point: "1", Name: "foo"},
		SubmitNum: 1,
		TryNum:    1,
		Flows:     []int{1},
		RunMode:   model.RunModeLive,
		Script:    script,
		Env:       map[string]string{"GREETING": "it's me"},
		LogDir:    filepath.Join(t.TempDir(), "log", "job", "1", "foo", "01"),
	}
}

func TestLocalExecutor_Platform(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	if got := e.Platform(); got != DefaultPlatform {
		t.Fatalf("Platform() = %q, want %q", got, DefaultPlatform)
	}
}

func TestLocalExecutor_SucceedsWithMessages(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	defer e.Close()

	job := testJob(t, `echo "hello $GREETING"
echo "CYCLEFLOW_MESSAGE: data ready"
echo "$CYCLEFLOW_TASK_ID try $CYCLEFLOW_TASK_TRY_NUMBER"`)
	rec := newRecorder()
	jobID, err := e.Submit(context.Background(), job, rec.sink)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID == "" {
		t.Fatal("empty job id")
	}
	events := rec.wait(t)

	want := []model.JobEventKind{model.JobSubmitted, model.JobStarted, model.JobMessage, model.JobSucceeded}
	if diff := cmp.Diff(want, kinds(events)); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if events[2].Message != "data ready" {
		t.Errorf("message = %q", events[2].Message)
	}
	for _, ev := range events {
		if ev.Task != job.Task || ev.SubmitNum != 1 || ev.JobID != jobID {
			t.Errorf("event not tagged with the job: %+v", ev)
		}
	}

	out, err := os.ReadFile(filepath.Join(job.LogDir, JobOutFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "hello it's me") || !strings.Contains(string(out), "1/foo try 1") {
		t.Errorf("job.out = %q", out)
	}
	status, err := os.ReadFile(filepath.Join(job.LogDir, JobStatusFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(status), "CYCLEFLOW_JOB_EXIT=SUCCEEDED") {
		t.Errorf("job.status = %q", status)
	}
	if _, err := os.Stat(filepath.Join(job.LogDir, JobScriptFile)); err != nil {
		t.Errorf("job script missing: %v", err)
	}
}

func TestLocalExecutor_FailingJob(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	defer e.Close()

	job := testJob(t, "echo oops >&2\nexit 3")
	rec := newRecorder()
	if _, err := e.Submit(context.Background(), job, rec.sink); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := rec.wait(t)
	last := events[len(events)-1]
	if last.Kind != model.JobFailed || last.ExitCode != 3 {
		t.Errorf("last event = %+v, want failed with exit code 3", last)
	}
	stderr, _ := os.ReadFile(filepath.Join(job.LogDir, JobErrFile))
	if strings.TrimSpace(string(stderr)) != "oops" {
		t.Errorf("job.err = %q", stderr)
	}
	if got := JobExit(job.LogDir); got != "ERR" {
		t.Errorf("JobExit = %q, want ERR", got)
	}
}

func TestJobExit_Missing(t *testing.T) {
	if got := JobExit(filepath.Join(t.TempDir(), "nope")); got != "" {
		t.Errorf("JobExit = %q, want empty", got)
	}
}

func TestLocalExecutor_Kill(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	defer e.Close()

	job := testJob(t, "exec sleep 30")
	rec := newRecorder()
	jobID, err := e.Submit(context.Background(), job, rec.sink)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Kill(context.Background(), jobID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	events := rec.wait(t)
	last := events[len(events)-1]
	if last.Kind != model.JobFailed || last.Reason != "killed" {
		t.Errorf("last event = %+v, want killed", last)
	}
	if err := e.Kill(context.Background(), jobID); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

func TestLocalExecutor_NoLogDir(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	job := testJob(t, "true")
	job.LogDir = ""
	if _, err := e.Submit(context.Background(), job, func(model.JobEvent) {}); err == nil {
		t.Fatal("expected error for a job without a log directory")
	}
}

func TestLocalExecutor_EventHandlers(t *testing.T) {
	e := NewLocalExecutor(nil, newTestLogger())
	defer e.Close()

	marker := filepath.Join(t.TempDir(), "handled")
	job := testJob(t, "exit 1")
	job.Handlers = []string{`echo "$CYCLEFLOW_EVENT $CYCLEFLOW_TASK_ID" >> ` + marker}
	job.HandlerEvents = []string{"failed"}
	rec := newRecorder()
	if _, err := e.Submit(context.Background(), job, rec.sink); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec.wait(t)
	e.Close()

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("handler did not run: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "failed 1/foo" {
		t.Errorf("handler output = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newTestLogger())
	local := NewLocalExecutor(nil, newTestLogger())
	r.Register(local)

	got, err := r.Get("")
	if err != nil || got != local {
		t.Fatalf("Get(\"\") = %v, %v", got, err)
	}
	if _, err := r.Get("hpc"); err == nil {
		t.Error("expected error for unregistered platform")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestJobScriptQuotesEnvironment(t *testing.T) {
	job := &model.Job{
		Task:      model.TaskID{Point: "2", Name: "bar"},
		SubmitNum: 2,
		TryNum:    1,
		Script:    "run-model",
		Env:       map[string]string{"B": "two words", "A": "it's"},
	}
	want := "#!/bin/sh\n# 2/bar submit 02 try 1\nexport A='it'\\''s'\nexport B='two words'\nrun-model\n"
	if diff := cmp.Diff(want, jobScript(job)); diff != "" {
		t.Errorf("job script (-want +got):\n%s", diff)
	}
}
