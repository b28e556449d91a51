package pool

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// Flow options for Trigger and SetOutputs.
const (
	FlowAll  = "all"
	FlowNew  = "new"
	FlowNone = "none"
)

// Select returns the live tasks matching any of the point/name glob
// patterns, and the patterns that matched nothing.
func (p *Pool) Select(patterns []string) ([]*task.Proxy, []string) {
	var matched []*task.Proxy
	var unmatched []string
	seen := make(map[key]bool)
	for _, pat := range patterns {
		n := 0
		p.tasks.Ascend(func(t *task.Proxy) bool {
			if config.MatchID(pat, t.ID()) {
				n++
				if k := keyOf(t); !seen[k] {
					seen[k] = true
					matched = append(matched, t)
				}
			}
			return true
		})
		if n == 0 {
			unmatched = append(unmatched, pat)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	return matched, unmatched
}

// resolveID turns an exact task id into a definition and a valid point on
// one of its sequences.
func (p *Pool) resolveID(s string) (*graph.TaskDef, cycling.Point, error) {
	id, err := model.ParseTaskID(s)
	if err != nil {
		return nil, cycling.Point{}, err
	}
	if strings.ContainsAny(s, "*?[") {
		return nil, cycling.Point{}, fmt.Errorf("%s matches no live task", s)
	}
	def, ok := p.wf.Task(id.Name)
	if !ok {
		return nil, cycling.Point{}, fmt.Errorf("no task %q in the workflow", id.Name)
	}
	pt, err := cycling.ParsePoint(p.wf.Context.Mode, id.Point)
	if err != nil {
		return nil, cycling.Point{}, err
	}
	if !def.OnSequence(pt) {
		return nil, cycling.Point{}, fmt.Errorf("%s is not on any sequence of %s", pt, def.Name)
	}
	return def, pt, nil
}

func rejected(cmd string, unmatched []string) error {
	return &model.CommandRejectedError{Command: cmd, Reason: "no matching task for " + strings.Join(unmatched, ", ")}
}

// Hold holds matching live tasks. Exact ids of tasks not yet spawned are
// held when they are spawned. It returns the number of tasks affected.
func (p *Pool) Hold(patterns []string) (int, error) {
	matched, unmatched := p.Select(patterns)
	var future []key
	var bad []string
	for _, pat := range unmatched {
		def, pt, err := p.resolveID(pat)
		if err != nil {
			bad = append(bad, pat)
			continue
		}
		future = append(future, key{point: pt, name: def.Name})
	}
	if len(matched) == 0 && len(future) == 0 {
		return 0, rejected("hold", bad)
	}
	for _, t := range matched {
		if !t.Held {
			t.Held = true
			p.touch(t)
		}
	}
	for _, k := range future {
		p.holds[k] = true
	}
	return len(matched) + len(future), nil
}

// Release releases matching held tasks and pending future holds.
func (p *Pool) Release(patterns []string) (int, error) {
	matched, unmatched := p.Select(patterns)
	n := 0
	for _, pat := range unmatched {
		if def, pt, err := p.resolveID(pat); err == nil {
			k := key{point: pt, name: def.Name}
			if p.holds[k] {
				delete(p.holds, k)
				n++
			}
		}
	}
	if len(matched) == 0 && n == 0 {
		return 0, rejected("release", unmatched)
	}
	for _, t := range matched {
		if t.Held {
			t.Held = false
			p.touch(t)
		}
	}
	return len(matched) + n, nil
}

// SetHoldPoint holds every task after pt, now and when spawned.
func (p *Pool) SetHoldPoint(pt cycling.Point) {
	p.holdPoint = pt
	p.tasks.Ascend(func(t *task.Proxy) bool {
		if t.Point.After(pt) && !t.Held {
			t.Held = true
			p.touch(t)
		}
		return true
	})
}

// ReleaseHoldPoint clears the hold point and releases all held tasks.
func (p *Pool) ReleaseHoldPoint() {
	p.holdPoint = cycling.Point{}
	p.tasks.Ascend(func(t *task.Proxy) bool {
		if t.Held {
			t.Held = false
			p.touch(t)
		}
		return true
	})
}

// HoldPoint returns the current hold point, if any.
func (p *Pool) HoldPoint() (cycling.Point, bool) {
	return p.holdPoint, !p.holdPoint.IsZero()
}

// SetStopPoint stops spawning after pt. Tasks already beyond it are left
// alone.
func (p *Pool) SetStopPoint(pt cycling.Point) { p.stopPoint = pt }

// StopPoint returns the current stop point, if any.
func (p *Pool) StopPoint() (cycling.Point, bool) {
	return p.stopPoint, !p.stopPoint.IsZero()
}

// NextFlow returns the number the next new flow will get.
func (p *Pool) NextFlow() int { return p.nextFlow }

// activeFlows returns the union of the flows of all live tasks.
func (p *Pool) activeFlows() task.FlowSet {
	var flows task.FlowSet
	p.tasks.Ascend(func(t *task.Proxy) bool {
		flows = flows.Merge(t.Flows)
		return true
	})
	if flows.IsNone() {
		return task.NewFlowSet(1)
	}
	return flows
}

// flowsFor resolves a flow option for a task currently in existing flows.
func (p *Pool) flowsFor(opt string, existing task.FlowSet, newFlow *int) (task.FlowSet, error) {
	switch opt {
	case "", FlowAll:
		if !existing.IsNone() {
			return existing, nil
		}
		return p.activeFlows(), nil
	case FlowNew:
		if *newFlow == 0 {
			*newFlow = p.nextFlow
			p.nextFlow++
		}
		return task.NewFlowSet(*newFlow), nil
	case FlowNone:
		return task.NewFlowSet(), nil
	}
	var nums []int
	for _, f := range strings.Split(opt, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad flow %q: want all, new, none or flow numbers", opt)
		}
		nums = append(nums, n)
		if n >= p.nextFlow {
			p.nextFlow = n + 1
		}
	}
	return task.NewFlowSet(nums...), nil
}

// target is a task selected by a command: either live, or an exact id of a
// task to be created.
type target struct {
	live *task.Proxy
	def  *graph.TaskDef
	pt   cycling.Point
}

func (p *Pool) targets(cmd string, patterns []string) ([]target, error) {
	matched, unmatched := p.Select(patterns)
	var out []target
	for _, t := range matched {
		out = append(out, target{live: t})
	}
	for _, pat := range unmatched {
		def, pt, err := p.resolveID(pat)
		if err != nil {
			return nil, &model.CommandRejectedError{Command: cmd, Reason: err.Error()}
		}
		out = append(out, target{def: def, pt: pt})
	}
	return out, nil
}

// create puts a task into the pool regardless of the runahead limit and of
// whether it has run before.
func (p *Pool) create(def *graph.TaskDef, pt cycling.Point, flows task.FlowSet, reason string) *task.Proxy {
	k := key{point: pt, name: def.Name}
	delete(p.deferred, k)
	t := task.NewProxy(def, pt, p.wf.Context.Initial, flows)
	p.satisfyFromHistory(t)
	p.insert(t, reason)
	return t
}

// Trigger forces matching tasks to run now, regardless of prerequisites.
// Tasks not in the pool are created. With wait set, the triggered tasks do
// not spawn their children until their flow catches up with them.
func (p *Pool) Trigger(patterns []string, flow string, wait bool) ([]*task.Proxy, error) {
	targets, err := p.targets("trigger", patterns)
	if err != nil {
		return nil, err
	}
	for _, tg := range targets {
		if tg.live != nil && tg.live.State.IsActive() {
			return nil, &model.CommandRejectedError{Command: "trigger", Reason: tg.live.ID().String() + " is already " + tg.live.State.String()}
		}
	}
	var newFlow int
	var out []*task.Proxy
	for _, tg := range targets {
		t := tg.live
		var existing task.FlowSet
		if t != nil {
			existing = t.Flows
		}
		flows, err := p.flowsFor(flow, existing, &newFlow)
		if err != nil {
			return nil, &model.CommandRejectedError{Command: "trigger", Reason: err.Error()}
		}
		if t == nil {
			t = p.create(tg.def, tg.pt, flows, "triggered")
		} else if flow != "" && flow != FlowAll {
			t.Flows = flows
		}
		if err := t.Trigger(); err != nil {
			return nil, err
		}
		t.FlowWait = wait
		p.touch(t)
		p.logger.Info("task triggered", "task", t.ID(), "flows", t.Flows, "flow_wait", wait)
		out = append(out, t)
	}
	return out, nil
}

// SetOutputs marks outputs of matching tasks as emitted, spawning and
// satisfying dependants as if the job had produced them. Tasks not in the
// pool are created. With no outputs given, the required outputs are set.
func (p *Pool) SetOutputs(patterns, outputs []string, flow string, now time.Time) ([]*task.Proxy, error) {
	targets, err := p.targets("set", patterns)
	if err != nil {
		return nil, err
	}
	for _, tg := range targets {
		def := tg.def
		if tg.live != nil {
			def = tg.live.Def
		}
		for _, o := range outputs {
			if !def.HasOutput(o) {
				return nil, &model.CommandRejectedError{Command: "set", Reason: fmt.Sprintf("task %q has no output %q", def.Name, o)}
			}
		}
	}
	var newFlow int
	var out []*task.Proxy
	for _, tg := range targets {
		t := tg.live
		if t == nil {
			flows, err := p.flowsFor(flow, nil, &newFlow)
			if err != nil {
				return nil, &model.CommandRejectedError{Command: "set", Reason: err.Error()}
			}
			t = p.create(tg.def, tg.pt, flows, "set outputs")
		}
		names := outputs
		if len(names) == 0 {
			names = requiredOutputs(t.Def)
		}
		emitted, err := t.SetOutputs(names, now)
		if err != nil {
			return nil, &model.CommandRejectedError{Command: "set", Reason: err.Error()}
		}
		p.logger.Info("outputs set", "task", t.ID(), "outputs", emitted)
		out = append(out, t)
		p.ProcessOutputs(t, emitted)
	}
	return out, nil
}

func requiredOutputs(def *graph.TaskDef) []string {
	var names []string
	for _, o := range model.BuiltinOutputs {
		if def.Required[o] {
			names = append(names, o)
		}
	}
	var custom []string
	for o := range def.Required {
		if !model.IsBuiltinOutput(o) {
			custom = append(custom, o)
		}
	}
	sort.Strings(custom)
	names = append(names, custom...)
	if len(names) == 0 {
		names = []string{model.OutputSucceeded}
	}
	return names
}

// Remove takes matching tasks out of the pool without running them. Tasks
// with an active job must be killed first.
func (p *Pool) Remove(patterns []string) (int, error) {
	matched, unmatched := p.Select(patterns)
	if len(matched) == 0 {
		return 0, rejected("remove", unmatched)
	}
	for _, t := range matched {
		if t.State.IsActive() {
			return 0, &model.CommandRejectedError{Command: "remove", Reason: t.ID().String() + " has an active job; kill it first"}
		}
	}
	for _, t := range matched {
		p.remove(t, "removed by request")
	}
	return len(matched), nil
}
