// Package runmode decides how a task submission is carried out and
// implements the modes that do not need a real job.
package runmode

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/executor"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

// Resolve returns the mode of one submission. A workflow running in dummy
// or simulation mode puts every task in that mode, except tasks set to
// skip, which stay skipped.
func Resolve(workflow model.RunMode, rt *config.Runtime) model.RunMode {
	if rt.RunMode == model.RunModeSkip {
		return model.RunModeSkip
	}
	if workflow != "" && workflow != model.RunModeLive {
		return workflow
	}
	return model.RunModeLive
}

// SkipOutputs returns the outputs a skipped task emits after submitted and
// started: its required custom outputs (or only the configured ones, when
// skip.outputs names any) and then succeeded, or failed if configured.
func SkipOutputs(def *graph.TaskDef, rt *config.Runtime) []string {
	conf := make(map[string]bool)
	for _, o := range rt.Skip.Outputs {
		conf[o] = true
	}
	var custom []string
	for name := range def.Outputs {
		if model.IsBuiltinOutput(name) {
			continue
		}
		if (len(rt.Skip.Outputs) == 0 && def.Required[name]) || conf[name] {
			custom = append(custom, name)
		}
	}
	sort.Strings(custom)
	if conf[model.OutputFailed] {
		return append(custom, model.OutputFailed)
	}
	return append(custom, model.OutputSucceeded)
}

// SimulatedRunLength returns how long a simulated or dummy job runs: the
// execution time limit scaled by the speedup factor when both are set,
// otherwise the default run length.
func SimulatedRunLength(rt *config.Runtime) time.Duration {
	limit := rt.TimeLimit()
	if limit > 0 && rt.Simulation.SpeedupFactor > 0 {
		return time.Duration(float64(limit) / rt.Simulation.SpeedupFactor)
	}
	d, err := cycling.ParseDuration(rt.Simulation.DefaultRunLength)
	if err != nil {
		return 0
	}
	return d
}

// SimulatedTimeLimit returns the time limit applied to simulated and dummy
// jobs: run length plus the time limit buffer.
func SimulatedTimeLimit(rt *config.Runtime) time.Duration {
	buffer, _ := cycling.ParseDuration(rt.Simulation.TimeLimitBuffer)
	return SimulatedRunLength(rt) + buffer
}

// SimulationFails reports whether a simulated or dummy job at pt should
// fail. fail_cycle_points may hold "all" or a list of points.
func SimulationFails(rt *config.Runtime, mode cycling.Mode, pt cycling.Point, tryNum int) bool {
	if rt.Simulation.FailTry1Only && tryNum > 1 {
		return false
	}
	for _, s := range rt.Simulation.FailCyclePoints {
		if s == "all" {
			return true
		}
		p, err := cycling.ParsePoint(mode, s)
		if err == nil && p == pt {
			return true
		}
	}
	return false
}

// DummyScript returns the job script of a dummy mode job: sleep for the run
// length, send every custom output message, then fail if configured.
func DummyScript(rt *config.Runtime, fail bool) string {
	secs := int64(math.Ceil(SimulatedRunLength(rt).Seconds()))
	lines := []string{"sleep " + strconv.FormatInt(secs, 10)}
	names := make([]string, 0, len(rt.Outputs))
	for name := range rt.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("echo '%s %s'", executor.MessagePrefix, strings.ReplaceAll(rt.Outputs[name], "'", `'\''`)))
	}
	if fail {
		lines = append(lines, "exit 1")
	}
	return strings.Join(lines, "\n")
}

// Submission is everything Dispatch needs to carry out one submission.
type Submission struct {
	Job     *model.Job
	Def     *graph.TaskDef
	Point   cycling.Point
	Mode    cycling.Mode
	Runtime *config.Runtime
}

// Dispatcher carries out submissions in their resolved mode.
type Dispatcher struct {
	executors *executor.Registry
	sim       *Simulator
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher using the given executors for live and
// dummy jobs and the simulator for simulation mode.
func NewDispatcher(executors *executor.Registry, sim *Simulator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		executors: executors,
		sim:       sim,
		logger:    logger.With("component", "runmode"),
	}
}

// Dispatch submits the job according to its run mode and returns the job
// id. Skip mode emits every event before returning; simulation mode emits
// them on the simulator clock; live and dummy jobs go to an executor.
func (d *Dispatcher) Dispatch(ctx context.Context, s Submission, sink executor.Sink) (string, error) {
	job := s.Job
	switch job.RunMode {
	case model.RunModeSkip:
		return d.skip(s, sink), nil
	case model.RunModeSimulation:
		fail := SimulationFails(s.Runtime, s.Mode, s.Point, job.TryNum)
		return d.sim.Run(job, SimulatedRunLength(s.Runtime), simOutputs(s.Def), fail, sink), nil
	case model.RunModeDummy:
		job.Script = DummyScript(s.Runtime, SimulationFails(s.Runtime, s.Mode, s.Point, job.TryNum))
		job.Platform = executor.DefaultPlatform
		job.Env = nil
		fallthrough
	case model.RunModeLive:
		exec, err := d.executors.Get(job.Platform)
		if err != nil {
			return "", err
		}
		return exec.Submit(ctx, job, sink)
	}
	return "", fmt.Errorf("unknown run mode %q", job.RunMode)
}

// Kill stops a job in whichever mode it runs. Skip jobs have already
// finished.
func (d *Dispatcher) Kill(ctx context.Context, mode model.RunMode, platform, jobID string) error {
	switch mode {
	case model.RunModeSkip:
		return nil
	case model.RunModeSimulation:
		d.sim.Kill(jobID)
		return nil
	case model.RunModeDummy:
		platform = executor.DefaultPlatform
	}
	exec, err := d.executors.Get(platform)
	if err != nil {
		return err
	}
	return exec.Kill(ctx, jobID)
}

func (d *Dispatcher) skip(s Submission, sink executor.Sink) string {
	job := s.Job
	jobID := "skip"
	now := d.sim.clock.Now().UTC()
	ev := func(kind model.JobEventKind, msg string) {
		sink(model.JobEvent{Task: job.Task, SubmitNum: job.SubmitNum, JobID: jobID, Kind: kind, Message: msg, Time: now})
	}
	ev(model.JobSubmitted, "")
	ev(model.JobStarted, "")
	for _, o := range SkipOutputs(s.Def, s.Runtime) {
		switch o {
		case model.OutputSucceeded:
			ev(model.JobSucceeded, "")
		case model.OutputFailed:
			ev(model.JobFailed, "")
		default:
			ev(model.JobMessage, s.Def.Outputs[o])
		}
	}
	d.logger.Debug("task skipped", "task", job.Task, "submit_num", job.SubmitNum)
	return jobID
}

// simOutputs returns the messages of every custom output, which a
// simulated job emits before it finishes.
func simOutputs(def *graph.TaskDef) []string {
	names := make([]string, 0, len(def.Outputs))
	for name := range def.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	msgs := make([]string, len(names))
	for i, n := range names {
		msgs[i] = def.Outputs[n]
	}
	return msgs
}

// Simulator runs simulation mode jobs as timers on a clock.
type Simulator struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	seq    int
	timers map[string]*clock.Timer
	wg     sync.WaitGroup
}

// NewSimulator creates a Simulator. A nil clock means wall clock.
func NewSimulator(clk clock.Clock, logger *slog.Logger) *Simulator {
	if clk == nil {
		clk = clock.New()
	}
	return &Simulator{
		clock:  clk,
		logger: logger.With("component", "simulator"),
		timers: make(map[string]*clock.Timer),
	}
}

// Run starts a simulated job: submitted and started now, then after
// runLength the custom messages and a succeeded or failed event.
func (s *Simulator) Run(job *model.Job, runLength time.Duration, messages []string, fail bool, sink executor.Sink) string {
	s.mu.Lock()
	s.seq++
	jobID := "sim-" + strconv.Itoa(s.seq)
	s.mu.Unlock()

	ev := func(kind model.JobEventKind, msg string) model.JobEvent {
		return model.JobEvent{Task: job.Task, SubmitNum: job.SubmitNum, JobID: jobID, Kind: kind, Message: msg, Time: s.clock.Now().UTC()}
	}
	sink(ev(model.JobSubmitted, ""))
	sink(ev(model.JobStarted, ""))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wg.Add(1)
	s.timers[jobID] = s.clock.AfterFunc(runLength, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[jobID]
		delete(s.timers, jobID)
		s.mu.Unlock()
		if !live {
			return
		}
		for _, m := range messages {
			sink(ev(model.JobMessage, m))
		}
		if fail {
			sink(ev(model.JobFailed, ""))
			return
		}
		sink(ev(model.JobSucceeded, ""))
	})
	s.logger.Debug("simulated job started", "task", job.Task, "submit_num", job.SubmitNum, "run_length", runLength)
	return jobID
}

// Kill cancels a simulated job. Its terminal event is never sent.
func (s *Simulator) Kill(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, jobID)
	}
}

// Close cancels every pending simulated job and waits for running
// callbacks to return.
func (s *Simulator) Close() {
	s.mu.Lock()
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending returns the number of simulated jobs still running.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
