package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/me/cycleflow/internal/broadcast"
	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// do runs fn on the loop goroutine between passes and waits for its result.
// Commands that change state are followed by a pass and a checkpoint before
// the caller sees the result.
func (s *Scheduler) do(ctx context.Context, name string, readOnly bool, fn func() error) error {
	c := command{name: name, readOnly: readOnly, fn: fn, reply: make(chan error, 1)}
	select {
	case s.commands <- c:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rejected(cmd, format string, args ...any) error {
	return &model.CommandRejectedError{Command: cmd, Reason: fmt.Sprintf(format, args...)}
}

func ids(tasks []*task.Proxy) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID().String()
	}
	return out
}

// watch runs fn and reports every state change it made to the returned
// tasks.
func (s *Scheduler) watch(fn func() ([]*task.Proxy, error)) ([]*task.Proxy, error) {
	before := make(map[*task.Proxy]model.TaskState)
	for _, t := range s.pool.Tasks() {
		before[t] = t.State
	}
	out, err := fn()
	for _, t := range out {
		from, ok := before[t]
		if !ok {
			from = model.TaskStateWaiting
		}
		s.changed(t, from, nil)
	}
	return out, err
}

// Broadcast sets runtime overrides for matching points and namespaces.
func (s *Scheduler) Broadcast(ctx context.Context, points, namespaces []string, settings []broadcast.Setting) ([]model.BroadcastRecord, error) {
	var out []model.BroadcastRecord
	err := s.do(ctx, "broadcast", false, func() error {
		var err error
		out, err = s.broadcasts.Set(points, namespaces, settings)
		return err
	})
	return out, err
}

// ClearBroadcast removes matching broadcast settings. Empty keys clear
// every setting of the matching points and namespaces.
func (s *Scheduler) ClearBroadcast(ctx context.Context, points, namespaces, keys []string) ([]model.BroadcastRecord, error) {
	var out []model.BroadcastRecord
	err := s.do(ctx, "clear-broadcast", false, func() error {
		var err error
		out, err = s.broadcasts.Clear(points, namespaces, keys)
		return err
	})
	return out, err
}

// Hold holds matching tasks, including exact ids not yet spawned.
func (s *Scheduler) Hold(ctx context.Context, patterns []string) (int, error) {
	var n int
	err := s.do(ctx, "hold", false, func() error {
		var err error
		n, err = s.pool.Hold(patterns)
		return err
	})
	return n, err
}

// HoldAfter holds every task after point, now and when spawned.
func (s *Scheduler) HoldAfter(ctx context.Context, point string) error {
	return s.do(ctx, "hold", false, func() error {
		pt, err := cycling.ParsePoint(s.wf.Context.Mode, point)
		if err != nil {
			return rejected("hold", "%v", err)
		}
		s.pool.SetHoldPoint(pt)
		return nil
	})
}

// Release releases matching held tasks.
func (s *Scheduler) Release(ctx context.Context, patterns []string) (int, error) {
	var n int
	err := s.do(ctx, "release", false, func() error {
		var err error
		n, err = s.pool.Release(patterns)
		return err
	})
	return n, err
}

// ReleaseHoldPoint clears the hold point and releases every held task.
func (s *Scheduler) ReleaseHoldPoint(ctx context.Context) error {
	return s.do(ctx, "release", false, func() error {
		s.pool.ReleaseHoldPoint()
		return nil
	})
}

// Pause stops new job submissions. Active jobs carry on.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.do(ctx, "pause", false, func() error {
		s.paused = true
		return nil
	})
}

// Resume undoes Pause.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.do(ctx, "resume", false, func() error {
		s.paused = false
		return nil
	})
}

// RequestStop stops the workflow, or arranges for it to stop after a cycle
// point, a task or a wall clock time.
func (s *Scheduler) RequestStop(ctx context.Context, req model.StopRequestBody) error {
	if req.Mode == "" {
		req.Mode = model.StopRequest
	}
	if !req.Mode.Valid() {
		return rejected("stop", "unknown stop mode %q", req.Mode)
	}
	n := 0
	for _, set := range []bool{req.Point != "", req.Task != "", !req.ClockTime.IsZero()} {
		if set {
			n++
		}
	}
	if n > 1 {
		return rejected("stop", "give at most one of point, task and clock time")
	}
	return s.do(ctx, "stop", false, func() error {
		switch {
		case req.Point != "":
			pt, err := cycling.ParsePoint(s.wf.Context.Mode, req.Point)
			if err != nil {
				return rejected("stop", "%v", err)
			}
			s.pool.SetStopPoint(pt)
			s.logger.Info("stop point set", "point", pt)
		case req.Task != "":
			id, err := model.ParseTaskID(req.Task)
			if err != nil {
				return rejected("stop", "%v", err)
			}
			if _, ok := s.wf.Task(id.Name); !ok {
				return rejected("stop", "no task %q in the workflow", id.Name)
			}
			pt, err := cycling.ParsePoint(s.wf.Context.Mode, id.Point)
			if err != nil {
				return rejected("stop", "%v", err)
			}
			id.Point = pt.String()
			s.stop.task = &id
		case !req.ClockTime.IsZero():
			s.stop.clock = req.ClockTime.UTC()
		default:
			s.stop.mode = req.Mode
			if req.Mode == model.StopKill {
				for _, t := range s.pool.Tasks() {
					if t.State.IsActive() {
						s.kill(t)
					}
				}
			}
		}
		return nil
	})
}

// Stop stops the workflow at once and waits for the loop to exit. Active
// jobs are left to their backends.
func (s *Scheduler) Stop(ctx context.Context) error {
	err := s.RequestStop(ctx, model.StopRequestBody{Mode: model.StopNow})
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs matching tasks now regardless of their prerequisites. flow
// is "all", "new", "none" or a flow number; with wait set the triggered
// tasks do not spawn children until their flow reaches them.
func (s *Scheduler) Trigger(ctx context.Context, patterns []string, flow string, wait bool) ([]string, error) {
	var out []string
	err := s.do(ctx, "trigger", false, func() error {
		tasks, err := s.watch(func() ([]*task.Proxy, error) {
			return s.pool.Trigger(patterns, flow, wait)
		})
		out = ids(tasks)
		return err
	})
	return out, err
}

// SetOutputs marks outputs of matching tasks as emitted. No outputs means
// the required ones.
func (s *Scheduler) SetOutputs(ctx context.Context, patterns, outputs []string, flow string) ([]string, error) {
	var out []string
	err := s.do(ctx, "set", false, func() error {
		tasks, err := s.watch(func() ([]*task.Proxy, error) {
			return s.pool.SetOutputs(patterns, outputs, flow, s.now())
		})
		out = ids(tasks)
		return err
	})
	return out, err
}

// Kill kills the jobs of matching tasks and holds them.
func (s *Scheduler) Kill(ctx context.Context, patterns []string) ([]string, error) {
	var out []string
	err := s.do(ctx, "kill", false, func() error {
		matched, unmatched := s.pool.Select(patterns)
		if len(matched) == 0 {
			return rejected("kill", "no matching task for %v", unmatched)
		}
		for _, t := range matched {
			s.kill(t)
		}
		out = ids(matched)
		return nil
	})
	return out, err
}

func (s *Scheduler) kill(t *task.Proxy) {
	k := jobKey{task: t.ID(), submitNum: t.SubmitNum}
	active := t.State.IsActive()
	mode, platform, jobID := t.RunMode, t.Platform, t.JobID
	from := t.State
	outs, err := t.Kill(s.now())
	if err != nil {
		s.logger.Error("kill task", "task", t.ID(), "error", err)
		return
	}
	s.logger.Info("task killed", "task", t.ID(), "submit_num", t.SubmitNum, "job_id", jobID)
	if active {
		if js := s.jobs[k]; js != nil {
			js.killed = true
			if mode.IsGhost() {
				delete(s.jobs, k)
			}
		}
		if jobID != "" {
			s.killJob(k.task, mode, platform, jobID)
		}
	}
	s.changed(t, from, outs)
	s.pool.ProcessOutputs(t, outs)
}

// Remove takes matching tasks out of the pool. Tasks with an active job are
// rejected.
func (s *Scheduler) Remove(ctx context.Context, patterns []string) (int, error) {
	var n int
	err := s.do(ctx, "remove", false, func() error {
		var err error
		n, err = s.pool.Remove(patterns)
		return err
	})
	return n, err
}

// TakeCheckpoint writes the live state and copies it to a named
// checkpoint, pruning the oldest beyond the retention limit.
func (s *Scheduler) TakeCheckpoint(ctx context.Context, name string) (int64, error) {
	if name == "" {
		name = "checkpoint"
	}
	var id int64
	err := s.do(ctx, "checkpoint", false, func() error {
		var err error
		id, err = s.checkpoint(ctx, name)
		return err
	})
	return id, err
}

// Dump returns the run state. Patterns restrict the tasks listed.
func (s *Scheduler) Dump(ctx context.Context, patterns ...string) (*model.Dump, error) {
	var d *model.Dump
	err := s.do(ctx, "dump", true, func() error {
		d = s.dump(patterns)
		return nil
	})
	return d, err
}

func (s *Scheduler) dump(patterns []string) *model.Dump {
	d := &model.Dump{
		Workflow:   s.wf.Name,
		UUID:       s.uuid,
		RunMode:    s.runMode,
		Paused:     s.paused,
		Stopping:   string(s.stop.mode),
		Stalled:    s.pool.IsStalled(),
		Tasks:      []model.TaskSummary{},
		Broadcasts: s.broadcasts.Entries(),
	}
	if pt, ok := s.pool.HoldPoint(); ok {
		d.HoldPoint = pt.String()
	}
	if pt, ok := s.pool.StopPoint(); ok {
		d.StopPoint = pt.String()
	}
	for _, sum := range s.pool.Summaries() {
		if matchAny(patterns, model.TaskID{Point: sum.Point, Name: sum.Name}) {
			d.Tasks = append(d.Tasks, sum)
		}
	}
	return d
}

func matchAny(patterns []string, id model.TaskID) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if config.MatchID(p, id) {
			return true
		}
	}
	return false
}
