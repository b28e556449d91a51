package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/executor"
	"github.com/me/cycleflow/internal/store"
	"github.com/me/cycleflow/pkg/model"
)

// persist writes the live state in one transaction.
func (s *Scheduler) persist(ctx context.Context) error {
	u := &store.Update{
		Tasks:           s.pool.Records(),
		Spawn:           s.pool.SpawnRecords(),
		History:         s.pool.DrainHistory(),
		Jobs:            s.pendingJobs,
		Broadcasts:      s.broadcasts.Entries(),
		BroadcastEvents: s.broadcasts.DrainChanges(),
		Params:          s.params(),
	}
	if err := s.store.Save(ctx, u); err != nil {
		return fmt.Errorf("save workflow state: %w", err)
	}
	s.pendingJobs = nil
	return nil
}

// params returns the scheduler parameters. Empty values delete the key.
func (s *Scheduler) params() map[string]string {
	c := s.wf.Context
	p := map[string]string{
		model.ParamUUID:           s.uuid,
		model.ParamInitialPoint:   c.Initial.String(),
		model.ParamFinalPoint:     "",
		model.ParamCyclingMode:    c.Mode.String(),
		model.ParamUTCMode:        strconv.FormatBool(s.wf.Config.Scheduler.UTCMode),
		model.ParamRunMode:        string(s.runMode),
		model.ParamPaused:         "",
		model.ParamNextFlow:       strconv.Itoa(s.pool.NextFlow()),
		model.ParamBroadcastSeq:   strconv.FormatInt(s.broadcasts.Seq(), 10),
		model.ParamStopPoint:      "",
		model.ParamHoldPoint:      "",
		model.ParamStopTask:       "",
		model.ParamStopClockTime:  "",
		model.ParamWorkflowSource: s.opts.Source,
	}
	if !c.Final.IsZero() {
		p[model.ParamFinalPoint] = c.Final.String()
	}
	if s.paused {
		p[model.ParamPaused] = "true"
	}
	if pt, ok := s.pool.StopPoint(); ok {
		p[model.ParamStopPoint] = pt.String()
	}
	if pt, ok := s.pool.HoldPoint(); ok {
		p[model.ParamHoldPoint] = pt.String()
	}
	if s.stop.task != nil {
		p[model.ParamStopTask] = s.stop.task.String()
	}
	if !s.stop.clock.IsZero() {
		p[model.ParamStopClockTime] = s.stop.clock.Format(time.RFC3339)
	}
	return p
}

func (s *Scheduler) checkpoint(ctx context.Context, event string) (int64, error) {
	if err := s.persist(ctx); err != nil {
		return 0, err
	}
	id, err := s.store.Snapshot(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %q: %w", event, err)
	}
	s.metrics.Checkpoints.Inc()
	if n, err := s.store.PruneCheckpoints(ctx, s.opts.CheckpointRetention); err != nil {
		s.logger.Warn("prune checkpoints", "error", err)
	} else if n > 0 {
		s.logger.Debug("checkpoints pruned", "count", n)
	}
	s.logger.Info("checkpoint taken", "id", id, "event", event)
	return id, nil
}

// Restart resumes a run from a stored checkpoint; store.LiveCheckpoint is
// the state the previous run last wrote. Jobs that were active are
// recovered: ghost and unsubmitted jobs are requeued, finished local jobs
// are read back from their status files and anything else is failed.
func (s *Scheduler) Restart(ctx context.Context, id int64) error {
	snap, err := s.store.Restore(ctx, id)
	if err != nil {
		return err
	}
	restartErr := func(reason string, err error) error {
		return &model.RestartError{Checkpoint: id, Reason: reason, Err: err}
	}
	p := snap.Params
	c := s.wf.Context
	if m := p[model.ParamCyclingMode]; m != "" && m != c.Mode.String() {
		return restartErr(fmt.Sprintf("cycling mode changed from %s to %s", m, c.Mode), nil)
	}
	if icp := p[model.ParamInitialPoint]; icp != c.Initial.String() {
		return restartErr(fmt.Sprintf("initial cycle point changed from %s to %s", icp, c.Initial), nil)
	}
	stored := model.RunMode(p[model.ParamRunMode])
	switch {
	case s.runMode == "":
		s.runMode = stored
	case stored != "" && s.runMode != stored:
		return restartErr(fmt.Sprintf("run mode %s cannot change to %s on restart", stored, s.runMode), nil)
	}
	if s.runMode == "" {
		s.runMode = model.RunModeLive
	}

	nextFlow, _ := strconv.Atoi(p[model.ParamNextFlow])
	if err := s.pool.Restore(snap.Tasks, snap.Spawn, snap.History, nextFlow); err != nil {
		return restartErr("restore task pool", err)
	}
	seq, _ := strconv.ParseInt(p[model.ParamBroadcastSeq], 10, 64)
	s.broadcasts.Load(snap.Broadcasts, seq)

	if s.opts.Source == "" {
		s.opts.Source = p[model.ParamWorkflowSource]
	}
	s.uuid = p[model.ParamUUID]
	if s.uuid == "" {
		s.uuid = uuid.New().String()
	}
	s.paused = s.paused || p[model.ParamPaused] == "true"
	if v := p[model.ParamStopPoint]; v != "" {
		pt, err := cycling.ParsePoint(c.Mode, v)
		if err != nil {
			return restartErr("stop point", err)
		}
		s.pool.SetStopPoint(pt)
	}
	if v := p[model.ParamHoldPoint]; v != "" {
		pt, err := cycling.ParsePoint(c.Mode, v)
		if err != nil {
			return restartErr("hold point", err)
		}
		s.pool.SetHoldPoint(pt)
	}
	if v := p[model.ParamStopTask]; v != "" {
		tid, err := model.ParseTaskID(v)
		if err != nil {
			return restartErr("stop task", err)
		}
		s.stop.task = &tid
	}
	if v := p[model.ParamStopClockTime]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return restartErr("stop clock time", err)
		}
		s.stop.clock = t
	}

	if err := s.store.RewindHistory(ctx, id); err != nil {
		return restartErr("rewind task history", err)
	}
	s.lastActivity = s.now()
	s.recoverJobs()
	if _, err := s.checkpoint(ctx, "restart"); err != nil {
		return err
	}
	s.logger.Info("workflow restarted",
		"uuid", s.uuid,
		"checkpoint", id,
		"run_mode", s.runMode,
		"tasks", s.pool.Len(),
	)
	return nil
}

// recoverJobs settles tasks whose jobs were active when the previous
// scheduler stopped. Their events went to a sink that no longer exists.
func (s *Scheduler) recoverJobs() {
	now := s.now()
	for _, t := range s.pool.Tasks() {
		if !t.State.IsActive() {
			continue
		}
		from := t.State
		if t.State == model.TaskStatePreparing || t.RunMode.IsGhost() {
			if err := t.Requeue(); err != nil {
				s.logger.Error("requeue task", "task", t.ID(), "error", err)
				continue
			}
			s.logger.Info("job lost on restart, resubmitting", "task", t.ID(), "submit_num", t.SubmitNum)
			s.changed(t, from, nil)
			continue
		}

		var outs []string
		var err error
		switch exit := executor.JobExit(JobLogDir(s.opts.RunDir, t.ID(), t.SubmitNum)); exit {
		case "SUCCEEDED":
			s.logger.Info("job finished while stopped", "task", t.ID(), "submit_num", t.SubmitNum)
			outs, err = t.Succeeded(now)
		default:
			s.logger.Warn("job status unknown on restart, assuming failed", "task", t.ID(), "submit_num", t.SubmitNum, "exit", exit)
			execDelays, _ := s.delays(t)
			var retrying bool
			outs, retrying, err = t.Failed(now, execDelays)
			if err == nil {
				s.failed(t, retrying, &model.ExecutionFailureError{Task: t.ID(), SubmitNum: t.SubmitNum, ExitCode: -1})
			}
		}
		if err != nil {
			s.logger.Error("recover job", "task", t.ID(), "error", err)
			continue
		}
		s.changed(t, from, outs)
		s.pool.ProcessOutputs(t, outs)
	}
}
