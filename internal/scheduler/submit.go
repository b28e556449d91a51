package scheduler

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/me/cycleflow/internal/runmode"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// JobLogDir returns the log directory of one submission of a task.
func JobLogDir(runDir string, id model.TaskID, submitNum int) string {
	return filepath.Join(runDir, "log", "job", id.Point, id.Name, fmt.Sprintf("%02d", submitNum))
}

// submit prepares a ready task and hands its job to a submission worker.
// Broadcasts are resolved here, so settings broadcast after the task was
// spawned still apply.
func (s *Scheduler) submit(t *task.Proxy) {
	from := t.State
	rt, err := s.broadcasts.Resolve(t.Def, t.Point)
	if err != nil {
		s.logger.Error("resolve runtime", "task", t.ID(), "error", err)
		if err := t.Prepare(s.runMode); err != nil {
			s.logger.Error("prepare task", "task", t.ID(), "error", err)
			return
		}
		s.changed(t, from, nil)
		s.trackJob(t, "", nil, nil)
		s.handleEvent(model.JobEvent{
			Task:      t.ID(),
			SubmitNum: t.SubmitNum,
			Kind:      model.JobSubmissionFailed,
			Reason:    err.Error(),
			Time:      s.now(),
		})
		return
	}

	mode := runmode.Resolve(s.runMode, rt)
	if err := t.Prepare(mode); err != nil {
		s.logger.Error("prepare task", "task", t.ID(), "error", err)
		return
	}
	t.Platform = rt.Platform
	switch mode {
	case model.RunModeLive:
		t.TimeLimit = rt.TimeLimit()
	case model.RunModeDummy, model.RunModeSimulation:
		t.TimeLimit = runmode.SimulatedTimeLimit(rt)
	default:
		t.TimeLimit = 0
	}

	job := &model.Job{
		Task:          t.ID(),
		SubmitNum:     t.SubmitNum,
		TryNum:        t.TryNum,
		Flows:         append([]int(nil), t.Flows...),
		RunMode:       mode,
		Platform:      rt.Platform,
		Script:        rt.Script,
		Env:           rt.Environment,
		Handlers:      rt.Events.Handlers,
		HandlerEvents: rt.Events.HandlerEvents,
	}
	if mode == model.RunModeSkip && rt.Skip.DisableTaskEventHandlers {
		job.Handlers = nil
	}
	if !mode.IsGhost() {
		job.LogDir = JobLogDir(s.opts.RunDir, job.Task, job.SubmitNum)
	}
	execDelays, submitDelays := rt.RetryDelays()
	s.trackJob(t, job.LogDir, execDelays, submitDelays)
	s.metrics.Submissions.WithLabelValues(string(mode)).Inc()
	s.changed(t, from, nil)

	sub := runmode.Submission{Job: job, Def: t.Def, Point: t.Point, Mode: s.wf.Context.Mode, Runtime: rt}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.workCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if _, err := s.dispatcher.Dispatch(s.workCtx, sub, s.sink); err != nil {
			s.sink(model.JobEvent{
				Task:      job.Task,
				SubmitNum: job.SubmitNum,
				Kind:      model.JobSubmissionFailed,
				Reason:    err.Error(),
				Time:      s.now(),
			})
		}
	}()
}

func (s *Scheduler) trackJob(t *task.Proxy, logDir string, execDelays, submitDelays []time.Duration) {
	js := &jobState{
		record: model.JobRecord{
			Point:     t.Point.String(),
			Name:      t.Def.Name,
			SubmitNum: t.SubmitNum,
			TryNum:    t.TryNum,
			Flows:     t.Flows.String(),
			RunMode:   t.RunMode,
			Platform:  t.Platform,
			State:     model.TaskStatePreparing,
		},
		execDelays:   execDelays,
		submitDelays: submitDelays,
		logDir:       logDir,
	}
	s.jobs[jobKey{task: t.ID(), submitNum: t.SubmitNum}] = js
	s.pendingJobs = append(s.pendingJobs, js.record)
}

// sink is the executor callback. Events are queued for the loop; once the
// loop has exited they are dropped.
func (s *Scheduler) sink(ev model.JobEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// killJob asks the job's backend to stop it. The loop does not wait.
func (s *Scheduler) killJob(id model.TaskID, mode model.RunMode, platform, jobID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Kill(s.workCtx, mode, platform, jobID); err != nil {
			s.logger.Warn("kill job", "task", id, "job_id", jobID, "error", err)
		}
	}()
}

// delays returns the retry delays of a task's current submission, resolving
// its runtime again if the submission is not tracked.
func (s *Scheduler) delays(t *task.Proxy) (exec, submit []time.Duration) {
	if js := s.jobs[jobKey{task: t.ID(), submitNum: t.SubmitNum}]; js != nil {
		return js.execDelays, js.submitDelays
	}
	rt, err := s.broadcasts.Resolve(t.Def, t.Point)
	if err != nil {
		return nil, nil
	}
	return rt.RetryDelays()
}
