package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/me/cycleflow/pkg/model"
)

// MessagePrefix marks a job stdout line as a task message.
const MessagePrefix = "CYCLEFLOW_MESSAGE:"

// Job log file names inside a job log directory.
const (
	JobScriptFile = "job"
	JobOutFile    = "job.out"
	JobErrFile    = "job.err"
	JobStatusFile = "job.status"
)

// killWait bounds how long a killed job may hold its output pipes open.
const killWait = 5 * time.Second

// LocalExecutor runs jobs as local shell processes.
type LocalExecutor struct {
	logger *slog.Logger
	clock  clock.Clock
	shell  string

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewLocalExecutor creates a LocalExecutor. A nil clock means wall clock.
func NewLocalExecutor(clk clock.Clock, logger *slog.Logger) *LocalExecutor {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalExecutor{
		logger: logger.With("component", "local-executor"),
		clock:  clk,
		shell:  "/bin/sh",
		jobs:   make(map[string]context.CancelFunc),
	}
}

// Platform returns DefaultPlatform.
func (e *LocalExecutor) Platform() string {
	return DefaultPlatform
}

// Submit writes the job script into the job log directory and starts it.
// The job id is the process id.
func (e *LocalExecutor) Submit(_ context.Context, job *model.Job, sink Sink) (string, error) {
	if job.LogDir == "" {
		return "", fmt.Errorf("job %s/%02d: no log directory", job.Task, job.SubmitNum)
	}
	if err := os.MkdirAll(job.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("job %s: create log dir: %w", job.Task, err)
	}
	script := filepath.Join(job.LogDir, JobScriptFile)
	if err := os.WriteFile(script, []byte(jobScript(job)), 0o755); err != nil {
		return "", fmt.Errorf("job %s: write job script: %w", job.Task, err)
	}
	stdout, err := os.Create(filepath.Join(job.LogDir, JobOutFile))
	if err != nil {
		return "", fmt.Errorf("job %s: %w", job.Task, err)
	}
	stderr, err := os.Create(filepath.Join(job.LogDir, JobErrFile))
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("job %s: %w", job.Task, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.shell, script)
	cmd.Dir = job.LogDir
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Stderr = stderr
	cmd.WaitDelay = killWait

	r := &run{e: e, job: job, sink: sink, ready: make(chan struct{})}
	cmd.Stdout = &lineWriter{out: stdout, line: r.stdoutLine}

	if err := cmd.Start(); err != nil {
		cancel()
		stdout.Close()
		stderr.Close()
		return "", fmt.Errorf("job %s: start: %w", job.Task, err)
	}
	jobID := strconv.Itoa(cmd.Process.Pid)
	r.jobID = jobID

	e.mu.Lock()
	e.jobs[jobID] = cancel
	e.mu.Unlock()

	start := e.clock.Now().UTC()
	r.writeStatus(fmt.Sprintf("CYCLEFLOW_JOB_PID=%s\nCYCLEFLOW_JOB_INIT_TIME=%s\n", jobID, start.Format(time.RFC3339)))
	r.emit(model.JobEvent{Kind: model.JobSubmitted, Time: start})
	r.emit(model.JobEvent{Kind: model.JobStarted, Time: start})
	close(r.ready)
	e.logger.Debug("job started", "task", job.Task, "submit_num", job.SubmitNum, "job_id", jobID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer stdout.Close()
		defer stderr.Close()
		r.wait(ctx, cmd)
		e.mu.Lock()
		delete(e.jobs, jobID)
		e.mu.Unlock()
	}()
	return jobID, nil
}

// Kill cancels a running job. Unknown or finished jobs are ignored.
func (e *LocalExecutor) Kill(_ context.Context, jobID string) error {
	e.mu.Lock()
	cancel, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("killing job", "job_id", jobID)
		cancel()
	}
	return nil
}

// Close kills every running job and waits for them to exit.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	for _, cancel := range e.jobs {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// run tracks one job from start to exit.
type run struct {
	e     *LocalExecutor
	job   *model.Job
	sink  Sink
	jobID string
	// ready is closed once the start events are out; messages wait on it.
	ready chan struct{}
}

func (r *run) emit(ev model.JobEvent) {
	ev.Task = r.job.Task
	ev.SubmitNum = r.job.SubmitNum
	ev.JobID = r.jobID
	if ev.Time.IsZero() {
		ev.Time = r.e.clock.Now().UTC()
	}
	r.sink(ev)
	r.runHandlers(ev)
}

func (r *run) stdoutLine(line string) {
	if msg, ok := strings.CutPrefix(line, MessagePrefix); ok {
		<-r.ready
		r.emit(model.JobEvent{Kind: model.JobMessage, Message: strings.TrimSpace(msg)})
	}
}

func (r *run) wait(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	if lw, ok := cmd.Stdout.(*lineWriter); ok {
		lw.flush()
	}
	end := r.e.clock.Now().UTC()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		r.writeStatus(fmt.Sprintf("CYCLEFLOW_JOB_EXIT=SUCCEEDED\nCYCLEFLOW_JOB_EXIT_TIME=%s\n", end.Format(time.RFC3339)))
		r.emit(model.JobEvent{Kind: model.JobSucceeded, Time: end})
	case ctx.Err() != nil:
		r.writeStatus(fmt.Sprintf("CYCLEFLOW_JOB_EXIT=KILLED\nCYCLEFLOW_JOB_EXIT_TIME=%s\n", end.Format(time.RFC3339)))
		r.emit(model.JobEvent{Kind: model.JobFailed, ExitCode: -1, Reason: "killed", Time: end})
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		r.writeStatus(fmt.Sprintf("CYCLEFLOW_JOB_EXIT=ERR\nCYCLEFLOW_JOB_EXIT_CODE=%d\nCYCLEFLOW_JOB_EXIT_TIME=%s\n", code, end.Format(time.RFC3339)))
		r.emit(model.JobEvent{Kind: model.JobFailed, ExitCode: code, Reason: fmt.Sprintf("exit code %d", code), Time: end})
	default:
		r.writeStatus(fmt.Sprintf("CYCLEFLOW_JOB_EXIT=ERR\nCYCLEFLOW_JOB_EXIT_TIME=%s\n", end.Format(time.RFC3339)))
		r.emit(model.JobEvent{Kind: model.JobFailed, ExitCode: -1, Reason: err.Error(), Time: end})
	}
}

func (r *run) writeStatus(s string) {
	f, err := os.OpenFile(filepath.Join(r.job.LogDir, JobStatusFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.e.logger.Warn("write job status", "task", r.job.Task, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		r.e.logger.Warn("write job status", "task", r.job.Task, "error", err)
	}
}

// runHandlers runs the job's event handlers registered for the event kind.
// Handlers are opaque shell commands; their failure is only logged.
func (r *run) runHandlers(ev model.JobEvent) {
	if len(r.job.Handlers) == 0 || !wantsEvent(r.job.HandlerEvents, ev.Kind) {
		return
	}
	for _, h := range r.job.Handlers {
		cmd := exec.Command(r.e.shell, "-c", h)
		cmd.Env = append(os.Environ(), jobEnv(r.job)...)
		cmd.Env = append(cmd.Env,
			"CYCLEFLOW_EVENT="+string(ev.Kind),
			"CYCLEFLOW_EVENT_MESSAGE="+ev.Message,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			r.e.logger.Warn("event handler failed",
				"task", r.job.Task,
				"event", ev.Kind,
				"handler", h,
				"error", err,
				"stderr", strings.TrimSpace(stderr.String()),
			)
		}
	}
}

func wantsEvent(events []string, kind model.JobEventKind) bool {
	for _, e := range events {
		if e == string(kind) {
			return true
		}
	}
	return false
}

// jobScript renders the job file: environment exports followed by the
// task script.
func jobScript(job *model.Job) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# %s submit %02d try %d\n", job.Task, job.SubmitNum, job.TryNum)
	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(job.Env[k]))
	}
	b.WriteString(job.Script)
	b.WriteString("\n")
	return b.String()
}

func jobEnv(job *model.Job) []string {
	flows := make([]string, len(job.Flows))
	for i, f := range job.Flows {
		flows[i] = strconv.Itoa(f)
	}
	return []string{
		"CYCLEFLOW_TASK_ID=" + job.Task.String(),
		"CYCLEFLOW_TASK_NAME=" + job.Task.Name,
		"CYCLEFLOW_TASK_CYCLE_POINT=" + job.Task.Point,
		"CYCLEFLOW_TASK_SUBMIT_NUMBER=" + strconv.Itoa(job.SubmitNum),
		"CYCLEFLOW_TASK_TRY_NUMBER=" + strconv.Itoa(job.TryNum),
		"CYCLEFLOW_TASK_FLOW_NUMBERS=" + strings.Join(flows, ","),
		"CYCLEFLOW_TASK_LOG_DIR=" + job.LogDir,
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// lineWriter copies job stdout to a file and hands each complete line to
// line.
type lineWriter struct {
	out  *os.File
	line func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write(p); err != nil {
		return 0, err
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

// JobExit reads the final exit status a local job wrote to its log
// directory: SUCCEEDED, KILLED or ERR. It returns "" if the job never
// finished or its status file is missing.
func JobExit(logDir string) string {
	data, err := os.ReadFile(filepath.Join(logDir, JobStatusFile))
	if err != nil {
		return ""
	}
	var exit string
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "CYCLEFLOW_JOB_EXIT="); ok {
			exit = v
		}
	}
	return exit
}
