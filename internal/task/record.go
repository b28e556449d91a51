package task

import (
	"fmt"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

// Record returns the persisted form of the task.
func (t *Proxy) Record() model.TaskRecord {
	rec := model.TaskRecord{
		Point:         t.Point.String(),
		Name:          t.Def.Name,
		Flows:         t.Flows.String(),
		FlowWait:      t.FlowWait,
		State:         t.State,
		Held:          t.Held,
		Forced:        t.Forced,
		Killed:        t.Killed,
		SubmitNum:     t.SubmitNum,
		TryNum:        t.TryNum,
		SubmitRetries: t.SubmitRetries,
		RunMode:       t.RunMode,
		JobID:         t.JobID,
		Platform:      t.Platform,
		RetryAt:       t.RetryAt,
		SubmittedAt:   t.SubmittedAt,
		StartedAt:     t.StartedAt,
		Outputs:       t.Outputs.Emitted(),
	}
	for _, pr := range t.Prereqs {
		bits := make([]byte, len(pr.bits))
		for i, b := range pr.bits {
			bits[i] = '0' + byte(b)
		}
		rec.Prereqs = append(rec.Prereqs, model.PrereqRecord{Bits: string(bits), Satisfied: pr.satisfied})
	}
	return rec
}

// RestoreProxy rebuilds a task instance from its persisted form. The
// prerequisite structure is recompiled from def; only the bits are loaded, so
// a checkpoint taken against a different graph is rejected.
func RestoreProxy(def *graph.TaskDef, point, initial cycling.Point, rec model.TaskRecord) (*Proxy, error) {
	if !rec.State.Valid() {
		return nil, fmt.Errorf("task %s/%s: unknown state %q", rec.Point, rec.Name, rec.State)
	}
	flows, err := ParseFlowSet(rec.Flows)
	if err != nil {
		return nil, fmt.Errorf("task %s/%s: %w", rec.Point, rec.Name, err)
	}
	t := NewProxy(def, point, initial, flows)
	if len(rec.Prereqs) != len(t.Prereqs) {
		return nil, fmt.Errorf("task %s/%s: %d prerequisites in checkpoint, %d in workflow", rec.Point, rec.Name, len(rec.Prereqs), len(t.Prereqs))
	}
	for i, pr := range rec.Prereqs {
		bits := make([]Bit, len(pr.Bits))
		for j := 0; j < len(pr.Bits); j++ {
			c := pr.Bits[j]
			if c < '0' || c > '0'+byte(BitImpossible) {
				return nil, fmt.Errorf("task %s/%s: bad prerequisite bits %q", rec.Point, rec.Name, pr.Bits)
			}
			bits[j] = Bit(c - '0')
		}
		if err := t.Prereqs[i].load(bits, pr.Satisfied); err != nil {
			return nil, fmt.Errorf("task %s/%s: %w", rec.Point, rec.Name, err)
		}
	}
	for _, o := range rec.Outputs {
		if !def.HasOutput(o) {
			return nil, fmt.Errorf("task %s/%s: unknown output %q", rec.Point, rec.Name, o)
		}
		t.Outputs.Emit(o)
	}
	t.FlowWait = rec.FlowWait
	t.State = rec.State
	t.Held = rec.Held
	t.Forced = rec.Forced
	t.Killed = rec.Killed
	t.SubmitNum = rec.SubmitNum
	t.TryNum = max(rec.TryNum, 1)
	t.SubmitRetries = rec.SubmitRetries
	t.RunMode = rec.RunMode
	t.JobID = rec.JobID
	t.Platform = rec.Platform
	t.RetryAt = rec.RetryAt
	t.SubmittedAt = rec.SubmittedAt
	t.StartedAt = rec.StartedAt
	return t, nil
}
