package scheduler

import (
	"time"

	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// handleEvent applies one job lifecycle event. Events that belong to an
// earlier submission, a killed job or a task no longer active are stale:
// they update the job history but never the task.
func (s *Scheduler) handleEvent(ev model.JobEvent) {
	s.metrics.JobEvents.WithLabelValues(string(ev.Kind)).Inc()
	k := jobKey{task: ev.Task, submitNum: ev.SubmitNum}
	js := s.jobs[k]
	if js != nil {
		s.recordJob(js, ev)
	}

	t, ok := s.pool.Get(ev.Task)
	if !ok || t.SubmitNum != ev.SubmitNum || !t.State.IsActive() || t.Killed {
		s.metrics.StaleEvents.Inc()
		s.logger.Warn("stale job event",
			"task", ev.Task,
			"submit_num", ev.SubmitNum,
			"kind", ev.Kind,
		)
		if js != nil && js.killed && ev.JobID != "" && (ev.Kind == model.JobSubmitted || ev.Kind == model.JobStarted) {
			s.killJob(ev.Task, js.record.RunMode, js.record.Platform, ev.JobID)
		}
		if js != nil && isTerminal(ev.Kind) {
			delete(s.jobs, k)
		}
		return
	}

	now := s.now()
	from := t.State
	var outs []string
	var err error
	switch ev.Kind {
	case model.JobSubmitted:
		if t.State == model.TaskStatePreparing {
			outs, err = t.Submitted(ev.JobID, now)
		}
	case model.JobStarted:
		if t.JobID == "" {
			t.JobID = ev.JobID
		}
		outs, err = t.Started(now)
	case model.JobSucceeded:
		outs, err = t.Succeeded(now)
	case model.JobFailed:
		execDelays, _ := s.delays(t)
		var retrying bool
		outs, retrying, err = t.Failed(now, execDelays)
		if err == nil {
			s.failed(t, retrying, &model.ExecutionFailureError{
				Task:      t.ID(),
				SubmitNum: ev.SubmitNum,
				ExitCode:  ev.ExitCode,
				Expected:  s.wf.Config.IsExpectedFailure(t.ID()),
			})
		}
	case model.JobSubmissionFailed:
		_, submitDelays := s.delays(t)
		var retrying bool
		outs, retrying, err = t.SubmitFailed(now, submitDelays)
		if err == nil {
			s.failed(t, retrying, &model.SubmissionFailureError{Task: t.ID(), SubmitNum: ev.SubmitNum, Reason: ev.Reason})
		}
	case model.JobMessage:
		outs = t.Message(ev.Message)
		s.logger.Info("task message", "task", t.ID(), "submit_num", ev.SubmitNum, "message", ev.Message)
	default:
		s.logger.Warn("unknown job event", "task", t.ID(), "kind", ev.Kind)
		return
	}
	if err != nil {
		s.logger.Error("apply job event", "task", t.ID(), "kind", ev.Kind, "error", err)
		return
	}

	s.changed(t, from, outs)
	s.pool.ProcessOutputs(t, outs)
	if js != nil && (t.State.IsFinal() || t.State == model.TaskStateWaiting) {
		delete(s.jobs, k)
	}
}

func isTerminal(k model.JobEventKind) bool {
	return k == model.JobSucceeded || k == model.JobFailed || k == model.JobSubmissionFailed
}

// recordJob updates the job history row of a submission.
func (s *Scheduler) recordJob(js *jobState, ev model.JobEvent) {
	r := &js.record
	if ev.JobID != "" {
		r.JobID = ev.JobID
	}
	switch ev.Kind {
	case model.JobSubmitted:
		if r.State == model.TaskStatePreparing {
			r.State = model.TaskStateSubmitted
		}
		r.Submitted = ev.Time
	case model.JobStarted:
		r.State = model.TaskStateRunning
		r.Started = ev.Time
	case model.JobSucceeded:
		r.State = model.TaskStateSucceeded
		r.Finished = ev.Time
	case model.JobFailed:
		code := ev.ExitCode
		r.State = model.TaskStateFailed
		r.ExitCode = &code
		r.Finished = ev.Time
	case model.JobSubmissionFailed:
		r.State = model.TaskStateSubmitFailed
		r.Finished = ev.Time
	default:
		return
	}
	s.pendingJobs = append(s.pendingJobs, *r)
}

// failed logs a job or submission failure and raises the task failure abort
// once retries are exhausted, unless the failure was expected.
func (s *Scheduler) failed(t *task.Proxy, retrying bool, err error) {
	if retrying {
		s.logger.Warn("job failed, retrying", "task", t.ID(), "try_num", t.TryNum, "retry_at", t.RetryAt, "error", err)
		return
	}
	if s.wf.Config.IsExpectedFailure(t.ID()) {
		s.logger.Info("job failed (expected)", "task", t.ID(), "error", err)
		return
	}
	s.logger.Warn("job failed", "task", t.ID(), "error", err)
	if s.wf.Config.Scheduler.Events.AbortOnTaskFailure && s.abort == nil {
		s.abort = &model.AbortError{Reason: model.AbortTaskFailure, Detail: t.ID().String()}
	}
}

// enforceTimeLimits fails running jobs past their execution time limit and
// kills them. Their later events are stale.
func (s *Scheduler) enforceTimeLimits(now time.Time) {
	for _, t := range s.pool.Tasks() {
		if t.State != model.TaskStateRunning || t.TimeLimit <= 0 || now.Sub(t.StartedAt) <= t.TimeLimit {
			continue
		}
		s.logger.Warn("execution time limit exceeded", "task", t.ID(), "submit_num", t.SubmitNum, "time_limit", t.TimeLimit)
		k := jobKey{task: t.ID(), submitNum: t.SubmitNum}
		mode, platform, jobID := t.RunMode, t.Platform, t.JobID
		execDelays, _ := s.delays(t)
		if js := s.jobs[k]; js != nil {
			js.killed = true
		}

		from := t.State
		outs, retrying, err := t.Failed(now, execDelays)
		if err != nil {
			s.logger.Error("fail task", "task", t.ID(), "error", err)
			continue
		}
		s.failed(t, retrying, &model.ExecutionFailureError{Task: t.ID(), SubmitNum: k.submitNum, ExitCode: -1})
		if jobID != "" {
			s.killJob(k.task, mode, platform, jobID)
		}
		s.changed(t, from, outs)
		s.pool.ProcessOutputs(t, outs)
	}
}
