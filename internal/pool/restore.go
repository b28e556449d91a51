package pool

import (
	"fmt"
	"sort"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// Records returns the persisted form of every live task.
func (p *Pool) Records() []model.TaskRecord {
	out := make([]model.TaskRecord, 0, p.tasks.Len())
	p.tasks.Ascend(func(t *task.Proxy) bool {
		out = append(out, t.Record())
		return true
	})
	return out
}

// SpawnRecords returns the spawn cursors, deferred spawns and future holds.
func (p *Pool) SpawnRecords() []model.SpawnRecord {
	var out []model.SpawnRecord
	for _, name := range p.wf.Order {
		c, ok := p.cursors[name]
		if !ok {
			continue
		}
		rec := model.SpawnRecord{Kind: model.SpawnCursor, Name: name, Flows: "[1]"}
		if !c.done {
			rec.Point = c.next.String()
		}
		out = append(out, rec)
	}
	for _, k := range p.sortedKeys(p.deferred) {
		out = append(out, model.SpawnRecord{Kind: model.SpawnDeferred, Point: k.point.String(), Name: k.name, Flows: p.deferred[k].String()})
	}
	holds := make(map[key]task.FlowSet, len(p.holds))
	for k := range p.holds {
		holds[k] = nil
	}
	for _, k := range p.sortedKeys(holds) {
		out = append(out, model.SpawnRecord{Kind: model.SpawnHold, Point: k.point.String(), Name: k.name, Flows: "[]"})
	}
	return out
}

func (p *Pool) sortedKeys(m map[key]task.FlowSet) []key {
	keys := make([]key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].point.Compare(keys[j].point); c != 0 {
			return c < 0
		}
		return keys[i].name < keys[j].name
	})
	return keys
}

func (p *Pool) historyRecord(k key, rec *record) model.HistoryRecord {
	outs := make([]string, 0, len(rec.outputs))
	for o := range rec.outputs {
		outs = append(outs, o)
	}
	sort.Strings(outs)
	return model.HistoryRecord{
		Point:     k.point.String(),
		Name:      k.name,
		Flows:     rec.flows.String(),
		State:     rec.state,
		SubmitNum: rec.submitNum,
		Outputs:   outs,
		FlowWait:  rec.flowWait,
		Removed:   rec.removed,
	}
}

// DrainHistory returns the history records changed since the last call.
func (p *Pool) DrainHistory() []model.HistoryRecord {
	keys := make(map[key]task.FlowSet, len(p.dirty))
	for k := range p.dirty {
		keys[k] = nil
	}
	var out []model.HistoryRecord
	for _, k := range p.sortedKeys(keys) {
		if rec := p.history[k]; rec != nil {
			out = append(out, p.historyRecord(k, rec))
		}
	}
	clear(p.dirty)
	return out
}

// Restore replaces the pool contents with persisted state. Runahead bounds
// and dependant indices are derived again from the compiled workflow, not
// loaded. Any record that does not fit the workflow is an error.
func (p *Pool) Restore(tasks []model.TaskRecord, spawn []model.SpawnRecord, history []model.HistoryRecord, nextFlow int) error {
	p.tasks.Clear(false)
	clear(p.index)
	clear(p.cursors)
	clear(p.deferred)
	clear(p.holds)
	clear(p.history)
	clear(p.dirty)
	if nextFlow > 1 {
		p.nextFlow = nextFlow
	}

	parse := func(name, point string) (key, error) {
		if _, ok := p.wf.Task(name); !ok {
			return key{}, fmt.Errorf("task %q is not in the workflow definition", name)
		}
		pt, err := cycling.ParsePoint(p.wf.Context.Mode, point)
		if err != nil {
			return key{}, fmt.Errorf("task %s/%s: %w", point, name, err)
		}
		return key{point: pt, name: name}, nil
	}

	for _, h := range history {
		k, err := parse(h.Name, h.Point)
		if err != nil {
			return err
		}
		flows, err := task.ParseFlowSet(h.Flows)
		if err != nil {
			return err
		}
		rec := &record{
			flows:     flows,
			state:     h.State,
			submitNum: h.SubmitNum,
			outputs:   make(map[string]bool, len(h.Outputs)),
			flowWait:  h.FlowWait,
			removed:   h.Removed,
		}
		for _, o := range h.Outputs {
			rec.outputs[o] = true
		}
		p.history[k] = rec
	}

	for _, tr := range tasks {
		k, err := parse(tr.Name, tr.Point)
		if err != nil {
			return err
		}
		if _, dup := p.index[k]; dup {
			return fmt.Errorf("task %s appears twice", k.id())
		}
		t, err := task.RestoreProxy(p.wf.Tasks[k.name], k.point, p.wf.Context.Initial, tr)
		if err != nil {
			return err
		}
		p.tasks.ReplaceOrInsert(t)
		p.index[k] = t
		if _, ok := p.history[k]; !ok {
			p.history[k] = &record{outputs: make(map[string]bool)}
		}
		rec := p.history[k]
		rec.flows, rec.state, rec.submitNum, rec.removed = t.Flows, t.State, t.SubmitNum, false
		for _, o := range t.Outputs.Emitted() {
			rec.outputs[o] = true
		}
	}

	for _, s := range spawn {
		switch s.Kind {
		case model.SpawnCursor:
			if _, ok := p.wf.Task(s.Name); !ok {
				return fmt.Errorf("spawn cursor for unknown task %q", s.Name)
			}
			if s.Point == "" {
				p.cursors[s.Name] = &cursor{done: true}
				continue
			}
			k, err := parse(s.Name, s.Point)
			if err != nil {
				return err
			}
			p.cursors[s.Name] = &cursor{next: k.point}
		case model.SpawnDeferred:
			k, err := parse(s.Name, s.Point)
			if err != nil {
				return err
			}
			flows, err := task.ParseFlowSet(s.Flows)
			if err != nil {
				return err
			}
			p.deferred[k] = flows
		case model.SpawnHold:
			k, err := parse(s.Name, s.Point)
			if err != nil {
				return err
			}
			p.holds[k] = true
		default:
			return fmt.Errorf("unknown spawn record kind %q", s.Kind)
		}
	}
	// Tasks added to the workflow since the checkpoint start from their
	// first point.
	for _, name := range p.wf.Order {
		if _, ok := p.cursors[name]; ok {
			continue
		}
		c := &cursor{done: true}
		if pt, ok := p.wf.Tasks[name].FirstPoint(); ok {
			c = &cursor{next: pt}
		}
		p.cursors[name] = c
	}
	return nil
}
