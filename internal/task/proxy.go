// Package task implements the task instance state machine: prerequisite
// satisfaction, job lifecycle transitions, retries and output emission.
package task

import (
	"time"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

// Proxy is one live task instance: a task definition at a cycle point in
// one or more flows. It is owned by the task pool and mutated only from the
// scheduler loop.
type Proxy struct {
	Def   *graph.TaskDef
	Point cycling.Point
	Flows FlowSet
	// FlowWait defers spawning of children until the flow reaches them.
	FlowWait bool

	State     model.TaskState
	Held      bool
	SubmitNum int
	TryNum    int
	RunMode   model.RunMode
	JobID     string
	Platform  string

	Prereqs []*Prerequisite
	Outputs *Outputs

	// Forced is set by a manual trigger: the task runs regardless of its
	// prerequisites, clock trigger and queue.
	Forced bool
	// RetryAt is when a waiting task may be resubmitted after a failure.
	RetryAt       time.Time
	SubmitRetries int
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	// TimeLimit is the execution time limit of the current job.
	TimeLimit time.Duration
	// Killed marks a job that was killed by command; its late events are stale.
	Killed bool
}

// NewProxy creates a waiting task instance with prerequisites instantiated at
// point. Triggers before initial are dropped.
func NewProxy(def *graph.TaskDef, point, initial cycling.Point, flows FlowSet) *Proxy {
	t := &Proxy{
		Def:     def,
		Point:   point,
		Flows:   flows,
		State:   model.TaskStateWaiting,
		TryNum:  1,
		Outputs: NewOutputs(def),
	}
	for _, dep := range def.DepsAt(point) {
		t.Prereqs = append(t.Prereqs, NewPrerequisite(dep, point, initial))
	}
	return t
}

// ID returns the task id.
func (t *Proxy) ID() model.TaskID {
	return model.TaskID{Point: t.Point.String(), Name: t.Def.Name}
}

// PrereqsSatisfied reports whether all prerequisites are satisfied.
func (t *Proxy) PrereqsSatisfied() bool {
	for _, pr := range t.Prereqs {
		if !pr.IsSatisfied() {
			return false
		}
	}
	return true
}

// PrereqsImpossible reports whether some prerequisite can never be
// satisfied.
func (t *Proxy) PrereqsImpossible() bool {
	if t.Forced {
		return false
	}
	for _, pr := range t.Prereqs {
		if pr.IsImpossible() {
			return true
		}
	}
	return false
}

// Satisfy updates every prerequisite term referring to k.
func (t *Proxy) Satisfy(k OutputKey) bool {
	changed := false
	for _, pr := range t.Prereqs {
		if pr.Satisfy(k) {
			changed = true
		}
	}
	return changed
}

// MarkImpossible records that output k will never be emitted.
func (t *Proxy) MarkImpossible(k OutputKey) bool {
	changed := false
	for _, pr := range t.Prereqs {
		if pr.MarkImpossible(k) {
			changed = true
		}
	}
	return changed
}

// IsReady reports whether a waiting task may be submitted at now, ignoring
// queues, clock triggers and the runahead limit.
func (t *Proxy) IsReady(now time.Time) bool {
	if t.State != model.TaskStateWaiting || t.Held {
		return false
	}
	if !t.RetryAt.IsZero() && now.Before(t.RetryAt) {
		return false
	}
	return t.Forced || t.PrereqsSatisfied()
}

// IsComplete reports whether the task finished with all required outputs,
// or was an expected failure.
func (t *Proxy) IsComplete() bool {
	return t.Outputs.IsComplete()
}

// Unsatisfied lists unsatisfied prerequisite terms.
func (t *Proxy) Unsatisfied() []string {
	var out []string
	for _, pr := range t.Prereqs {
		out = append(out, pr.Unsatisfied()...)
	}
	return out
}

func (t *Proxy) transition(to model.TaskState) error {
	if t.State == to {
		return nil
	}
	if !t.State.CanTransitionTo(to) {
		return &model.InvalidTransitionError{Task: t.ID(), From: t.State, To: to}
	}
	t.State = to
	return nil
}

func (t *Proxy) emit(names ...string) []string {
	var out []string
	for _, n := range names {
		if t.Outputs.Emit(n) {
			out = append(out, n)
		}
	}
	return out
}

// Prepare moves a ready task to preparing and allocates the next submit
// number.
func (t *Proxy) Prepare(mode model.RunMode) error {
	if err := t.transition(model.TaskStatePreparing); err != nil {
		return err
	}
	t.SubmitNum++
	t.RunMode = mode
	t.RetryAt = time.Time{}
	t.Killed = false
	return nil
}

// Submitted records a successful job submission.
func (t *Proxy) Submitted(jobID string, now time.Time) ([]string, error) {
	if err := t.transition(model.TaskStateSubmitted); err != nil {
		return nil, err
	}
	t.JobID = jobID
	t.SubmittedAt = now
	return t.emit(model.OutputSubmitted), nil
}

// SubmitFailed records a failed submission. If a submission retry delay
// remains the task returns to waiting and retrying is true; otherwise it
// becomes submit-failed.
func (t *Proxy) SubmitFailed(now time.Time, delays []time.Duration) (outputs []string, retrying bool, err error) {
	if t.SubmitRetries < len(delays) {
		if err := t.transition(model.TaskStateWaiting); err != nil {
			return nil, false, err
		}
		t.RetryAt = now.Add(delays[t.SubmitRetries])
		t.SubmitRetries++
		t.Forced = false
		return nil, true, nil
	}
	if err := t.transition(model.TaskStateSubmitFailed); err != nil {
		return nil, false, err
	}
	t.FinishedAt = now
	t.Forced = false
	return t.emit(model.OutputSubmitFailed), false, nil
}

// Started records job start. A start that overtakes the submission
// acknowledgement implies it.
func (t *Proxy) Started(now time.Time) ([]string, error) {
	var out []string
	if t.State == model.TaskStatePreparing {
		o, err := t.Submitted(t.JobID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, o...)
	}
	if err := t.transition(model.TaskStateRunning); err != nil {
		return out, err
	}
	t.StartedAt = now
	return append(out, t.emit(model.OutputStarted)...), nil
}

// Succeeded records job success, emitting any implied outputs first.
func (t *Proxy) Succeeded(now time.Time) ([]string, error) {
	if err := t.transition(model.TaskStateSucceeded); err != nil {
		return nil, err
	}
	t.FinishedAt = now
	t.Forced = false
	return t.emit(model.OutputSubmitted, model.OutputStarted, model.OutputSucceeded), nil
}

// Failed records job failure. If an execution retry delay remains the task
// returns to waiting with the next try number; the failed output is emitted
// only once retries are exhausted.
func (t *Proxy) Failed(now time.Time, delays []time.Duration) (outputs []string, retrying bool, err error) {
	if tries := t.TryNum - 1; tries < len(delays) {
		if err := t.transition(model.TaskStateWaiting); err != nil {
			return nil, false, err
		}
		t.RetryAt = now.Add(delays[tries])
		t.TryNum++
		t.Forced = false
		return t.emit(model.OutputSubmitted, model.OutputStarted), true, nil
	}
	if err := t.transition(model.TaskStateFailed); err != nil {
		return nil, false, err
	}
	t.FinishedAt = now
	t.Forced = false
	return t.emit(model.OutputSubmitted, model.OutputStarted, model.OutputFailed), false, nil
}

// Message handles a custom job message. It returns the custom output the
// message emits, if any.
func (t *Proxy) Message(msg string) []string {
	if name, ok := t.Def.OutputForMessage(msg); ok {
		return t.emit(name)
	}
	return nil
}

// Expire moves a waiting task to expired.
func (t *Proxy) Expire(now time.Time) ([]string, error) {
	if err := t.transition(model.TaskStateExpired); err != nil {
		return nil, err
	}
	t.FinishedAt = now
	return t.emit(model.OutputExpired), nil
}

// Kill takes the task out of its current state immediately. Active jobs
// become submit-failed (before start) or failed; retries are not attempted.
// The task is held so it does not run again on its own.
func (t *Proxy) Kill(now time.Time) ([]string, error) {
	var out []string
	var err error
	switch t.State {
	case model.TaskStatePreparing, model.TaskStateSubmitted:
		err = t.transition(model.TaskStateSubmitFailed)
		out = t.emit(model.OutputSubmitFailed)
	case model.TaskStateRunning:
		err = t.transition(model.TaskStateFailed)
		out = t.emit(model.OutputFailed)
	case model.TaskStateWaiting:
		if t.RetryAt.IsZero() {
			t.Held = true
			return nil, nil
		}
		err = t.transition(model.TaskStateFailed)
		out = t.emit(model.OutputFailed)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Killed = true
	t.Held = true
	t.RetryAt = time.Time{}
	t.FinishedAt = now
	return out, nil
}

// SetOutputs forces outputs as if the job had emitted them. Setting
// succeeded or failed on a task without an active job completes it.
func (t *Proxy) SetOutputs(names []string, now time.Time) ([]string, error) {
	var out []string
	for _, name := range names {
		switch name {
		case model.OutputSucceeded:
			if !t.State.IsActive() && t.State != model.TaskStateSucceeded {
				if err := t.transition(model.TaskStateSucceeded); err != nil {
					return out, err
				}
				t.FinishedAt = now
			}
			out = append(out, t.emit(model.OutputSubmitted, model.OutputStarted, model.OutputSucceeded)...)
		case model.OutputFailed:
			if !t.State.IsActive() && t.State != model.TaskStateFailed {
				if err := t.transition(model.TaskStateFailed); err != nil {
					return out, err
				}
				t.FinishedAt = now
			}
			out = append(out, t.emit(model.OutputSubmitted, model.OutputStarted, model.OutputFailed)...)
		default:
			out = append(out, t.emit(name)...)
		}
	}
	t.RetryAt = time.Time{}
	return out, nil
}

// Trigger forces the task to run once more, regardless of prerequisites. A
// finished task goes back to waiting.
func (t *Proxy) Trigger() error {
	if t.State.IsActive() {
		return &model.CommandRejectedError{Command: "trigger", Reason: t.ID().String() + " is already " + t.State.String()}
	}
	if err := t.transition(model.TaskStateWaiting); err != nil {
		return err
	}
	t.Forced = true
	t.Held = false
	t.RetryAt = time.Time{}
	return nil
}

// Requeue returns a task whose job was lost back to waiting, to be
// submitted again with the same try number.
func (t *Proxy) Requeue() error {
	if !t.State.IsActive() {
		return nil
	}
	if err := t.transition(model.TaskStateWaiting); err != nil {
		return err
	}
	t.JobID = ""
	t.RetryAt = time.Time{}
	return nil
}

// Summary returns the dump view of the task.
func (t *Proxy) Summary() model.TaskSummary {
	id := t.ID()
	s := model.TaskSummary{
		ID:        id.String(),
		Name:      id.Name,
		Point:     id.Point,
		Flows:     append([]int{}, t.Flows...),
		State:     t.State,
		Held:      t.Held,
		SubmitNum: t.SubmitNum,
		TryNum:    t.TryNum,
		RunMode:   t.RunMode,
		Outputs:   t.Outputs.Emitted(),
		Waiting:   t.Unsatisfied(),
	}
	if t.State.IsFinal() && !t.IsComplete() {
		s.Incomplete = true
	}
	return s
}
