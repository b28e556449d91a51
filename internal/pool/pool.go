// Package pool implements the task pool: the authoritative set of live task
// instances, spawn-on-demand, the runahead limit, removal and orphan pruning,
// and stall detection. A Pool is not safe for concurrent use; it is owned by
// the scheduler loop.
package pool

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/btree"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// Hooks are called synchronously when the pool changes. Either may be nil.
type Hooks struct {
	Spawned func(t *task.Proxy)
	Removed func(t *task.Proxy, reason string)
}

type key struct {
	point cycling.Point
	name  string
}

func keyOf(t *task.Proxy) key { return key{point: t.Point, name: t.Def.Name} }

func (k key) id() model.TaskID { return model.TaskID{Point: k.point.String(), Name: k.name} }

// record is the latest known state of a task instance, live or removed. It
// answers "has this output been emitted" for tasks spawned later.
type record struct {
	flows     task.FlowSet
	state     model.TaskState
	submitNum int
	outputs   map[string]bool
	flowWait  bool
	removed   bool
}

type cursor struct {
	next cycling.Point
	done bool
}

// Pool holds the live task proxies ordered by (cycle point, declaration
// order).
type Pool struct {
	wf     *graph.Workflow
	logger *slog.Logger
	hooks  Hooks

	tasks *btree.BTreeG[*task.Proxy]
	index map[key]*task.Proxy

	cursors  map[string]*cursor
	deferred map[key]task.FlowSet
	holds    map[key]bool
	history  map[key]*record
	dirty    map[key]bool
	absolute map[key]bool

	stopPoint cycling.Point
	holdPoint cycling.Point
	nextFlow  int
	// keep is how far behind the runahead base history must be retained.
	keep cycling.Interval
}

func less(a, b *task.Proxy) bool {
	if c := a.Point.Compare(b.Point); c != 0 {
		return c < 0
	}
	return a.Def.Index < b.Def.Index
}

// New creates an empty pool for a compiled workflow.
func New(wf *graph.Workflow, logger *slog.Logger, hooks Hooks) *Pool {
	p := &Pool{
		wf:        wf,
		logger:    logger.With("component", "pool"),
		hooks:     hooks,
		tasks:     btree.NewG(16, less),
		index:     make(map[key]*task.Proxy),
		cursors:   make(map[string]*cursor),
		deferred:  make(map[key]task.FlowSet),
		holds:     make(map[key]bool),
		history:   make(map[key]*record),
		dirty:     make(map[key]bool),
		absolute:  make(map[key]bool),
		stopPoint: wf.StopPoint,
		holdPoint: wf.HoldPoint,
		nextFlow:  2,
	}
	p.keep = wf.Runahead.Plus(wf.MaxFutureOffset)
	for _, name := range wf.Order {
		for _, dep := range wf.Tasks[name].Deps {
			for _, t := range dep.Triggers {
				if t.Absolute {
					p.absolute[key{point: t.Point, name: t.Task}] = true
					continue
				}
				if t.Offset.IsNegative() {
					if back := wf.Runahead.Plus(t.Offset.Neg()); back.Compare(p.keep) > 0 {
						p.keep = back
					}
				}
			}
		}
	}
	return p
}

// Start initialises the parentless spawn cursors of a fresh run and fills
// the pool up to the runahead limit.
func (p *Pool) Start() {
	for _, name := range p.wf.Order {
		c := &cursor{done: true}
		if pt, ok := p.wf.Tasks[name].FirstPoint(); ok {
			c = &cursor{next: pt}
		}
		p.cursors[name] = c
	}
	p.ReleaseRunahead()
}

// Len returns the number of live task proxies.
func (p *Pool) Len() int { return p.tasks.Len() }

// Tasks returns the live proxies in submission order.
func (p *Pool) Tasks() []*task.Proxy {
	out := make([]*task.Proxy, 0, p.tasks.Len())
	p.tasks.Ascend(func(t *task.Proxy) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Get returns the live proxy with the given id.
func (p *Pool) Get(id model.TaskID) (*task.Proxy, bool) {
	pt, err := cycling.ParsePoint(p.wf.Context.Mode, id.Point)
	if err != nil {
		return nil, false
	}
	t, ok := p.index[key{point: pt, name: id.Name}]
	return t, ok
}

// Summaries returns the dump view of every live task.
func (p *Pool) Summaries() []model.TaskSummary {
	var out []model.TaskSummary
	p.tasks.Ascend(func(t *task.Proxy) bool {
		out = append(out, t.Summary())
		return true
	})
	return out
}

// Base returns the oldest cycle point the pool is working on: the runahead
// limit is measured from here.
func (p *Pool) Base() (cycling.Point, bool) {
	var base cycling.Point
	found := false
	consider := func(q cycling.Point) {
		if !found || q.Before(base) {
			base, found = q, true
		}
	}
	if t, ok := p.tasks.Min(); ok {
		consider(t.Point)
	}
	for k := range p.deferred {
		consider(k.point)
	}
	for _, c := range p.cursors {
		if !c.done {
			consider(c.next)
		}
	}
	return base, found
}

// Horizon returns the newest point that may be spawned.
func (p *Pool) Horizon() (cycling.Point, bool) {
	base, ok := p.Base()
	if !ok {
		return cycling.Point{}, false
	}
	return base.Add(p.wf.Runahead), true
}

func (p *Pool) beyondStop(pt cycling.Point) bool {
	return !p.stopPoint.IsZero() && pt.After(p.stopPoint)
}

// ReleaseRunahead spawns deferred tasks and parentless tasks that now lie
// within the runahead limit, and forgets history that can no longer be
// referenced.
func (p *Pool) ReleaseRunahead() {
	horizon, ok := p.Horizon()
	if !ok {
		return
	}
	var ready []key
	for k := range p.deferred {
		if !k.point.After(horizon) {
			ready = append(ready, k)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if c := ready[i].point.Compare(ready[j].point); c != 0 {
			return c < 0
		}
		return p.wf.Tasks[ready[i].name].Index < p.wf.Tasks[ready[j].name].Index
	})
	for _, k := range ready {
		flows := p.deferred[k]
		delete(p.deferred, k)
		p.spawn(p.wf.Tasks[k.name], k.point, flows, "runahead release")
	}

	for _, name := range p.wf.Order {
		c := p.cursors[name]
		if c == nil {
			continue
		}
		def := p.wf.Tasks[name]
		for !c.done && !c.next.After(horizon) {
			pt := c.next
			if p.beyondStop(pt) {
				c.done = true
				break
			}
			if p.wf.IsParentless(def, pt) {
				p.spawn(def, pt, task.NewFlowSet(1), "sequence")
			}
			if next, ok := def.NextPoint(pt); ok {
				c.next = next
			} else {
				c.done = true
			}
		}
	}
	p.housekeep()
}

// housekeep drops removed-task history older than anything a live or future
// task can still reference.
func (p *Pool) housekeep() {
	base, ok := p.Base()
	if !ok {
		return
	}
	cutoff := base.Add(p.keep.Neg())
	for k, rec := range p.history {
		if rec.removed && k.point.Before(cutoff) && !p.absolute[k] && !p.dirty[k] {
			delete(p.history, k)
		}
	}
}

// spawn adds a task instance unless it already exists, has already run in
// one of the same flows, or lies beyond the runahead limit (in which case it
// is deferred). It returns the live proxy, or nil.
func (p *Pool) spawn(def *graph.TaskDef, pt cycling.Point, flows task.FlowSet, reason string) *task.Proxy {
	k := key{point: pt, name: def.Name}
	if t := p.index[k]; t != nil {
		if !t.Flows.Contains(flows) {
			t.Flows = t.Flows.Merge(flows)
			p.touch(t)
			p.logger.Debug("flows merged", "task", t.ID(), "flows", t.Flows)
		}
		return t
	}
	if rec := p.history[k]; rec != nil && rec.removed && (flows.IsNone() || rec.flows.Intersects(flows)) {
		if rec.flowWait && !flows.IsNone() {
			rec.flowWait = false
			p.dirty[k] = true
			p.spawnFromHistory(k, rec)
		}
		return nil
	}
	if !def.OnSequence(pt) || p.beyondStop(pt) {
		return nil
	}
	if horizon, ok := p.Horizon(); ok && pt.After(horizon) {
		p.deferred[k] = p.deferred[k].Merge(flows)
		p.logger.Debug("spawn deferred by runahead limit", "task", k.id(), "horizon", horizon)
		return nil
	}
	t := task.NewProxy(def, pt, p.wf.Context.Initial, flows)
	p.satisfyFromHistory(t)
	if t.PrereqsImpossible() {
		p.logger.Debug("not spawning orphan", "task", t.ID())
		return nil
	}
	p.insert(t, reason)
	return t
}

func (p *Pool) insert(t *task.Proxy, reason string) {
	k := keyOf(t)
	if !p.holdPoint.IsZero() && t.Point.After(p.holdPoint) {
		t.Held = true
	}
	if p.holds[k] {
		t.Held = true
		delete(p.holds, k)
	}
	p.tasks.ReplaceOrInsert(t)
	p.index[k] = t
	p.history[k] = &record{
		flows:   t.Flows,
		state:   t.State,
		outputs: make(map[string]bool),
	}
	for _, o := range t.Outputs.Emitted() {
		p.history[k].outputs[o] = true
	}
	p.dirty[k] = true
	p.logger.Debug("spawned", "task", t.ID(), "flows", t.Flows, "reason", reason)
	if p.hooks.Spawned != nil {
		p.hooks.Spawned(t)
	}
}

// satisfyFromHistory applies outputs that upstream tasks emitted before t
// existed, and marks terms whose upstream task finished without them.
func (p *Pool) satisfyFromHistory(t *task.Proxy) {
	for _, pr := range t.Prereqs {
		for _, ok := range pr.Keys() {
			rec := p.history[key{point: ok.Point, name: ok.Task}]
			if rec == nil {
				continue
			}
			if rec.outputs[ok.Output] {
				t.Satisfy(ok)
			} else if rec.state.IsFinal() {
				t.MarkImpossible(ok)
			}
		}
	}
}

// spawnFromHistory spawns the children of a flow-wait task whose flow has
// now caught up with it.
func (p *Pool) spawnFromHistory(k key, rec *record) {
	names := make([]string, 0, len(rec.outputs))
	for o := range rec.outputs {
		names = append(names, o)
	}
	sort.Strings(names)
	for _, o := range names {
		p.satisfyChildren(k.point, k.name, o, rec.flows, true)
	}
}

// touch marks a live task's history record for persistence.
func (p *Pool) touch(t *task.Proxy) {
	k := keyOf(t)
	rec := p.history[k]
	if rec == nil {
		rec = &record{outputs: make(map[string]bool)}
		p.history[k] = rec
	}
	rec.flows = t.Flows
	rec.state = t.State
	rec.submitNum = t.SubmitNum
	rec.flowWait = t.FlowWait
	p.dirty[k] = true
}

// ProcessOutputs records newly emitted outputs of t, satisfies and spawns
// the dependants, prunes orphans of outputs t can no longer emit, and
// removes t if it is finished and complete. It must be called after every
// state change of t.
func (p *Pool) ProcessOutputs(t *task.Proxy, outputs []string) {
	p.touch(t)
	rec := p.history[keyOf(t)]
	for _, o := range outputs {
		rec.outputs[o] = true
	}
	spawn := !t.Flows.IsNone() && !t.FlowWait
	for _, o := range outputs {
		p.satisfyChildren(t.Point, t.Def.Name, o, t.Flows, spawn)
	}
	if t.State.IsFinal() {
		p.pruneOrphans(t, t.Outputs.Unemittable(t.State))
		p.removeIfDone(t)
	}
}

// satisfyChildren updates the dependants of output o of the task at pt,
// spawning them first if spawn is set.
func (p *Pool) satisfyChildren(pt cycling.Point, name, o string, flows task.FlowSet, spawn bool) {
	ok := task.OutputKey{Point: pt, Task: name, Output: o}
	for _, child := range p.dependants(pt, name, o, flows, spawn) {
		if child.Satisfy(ok) {
			p.logger.Debug("prerequisite updated", "task", child.ID(), "by", ok.String())
		}
	}
}

func (p *Pool) dependants(pt cycling.Point, name, o string, flows task.FlowSet, spawn bool) []*task.Proxy {
	var out []*task.Proxy
	for _, c := range p.wf.Children(name, o) {
		trig := c.Dep.Triggers[c.Trigger]
		if trig.Absolute {
			if trig.Point.Compare(pt) != 0 {
				continue
			}
			for k, t := range p.index {
				if k.name == c.Child {
					out = append(out, t)
				}
			}
			continue
		}
		cp := pt
		if !trig.Offset.IsZero() {
			cp = pt.Add(trig.Offset.Neg())
		}
		if !c.Dep.Seq.Contains(cp) {
			continue
		}
		child := p.index[key{point: cp, name: c.Child}]
		if child == nil && spawn {
			child = p.spawn(p.wf.Tasks[c.Child], cp, flows, name+":"+o)
		}
		if child != nil {
			out = append(out, child)
		}
	}
	return out
}

// pruneOrphans marks the given outputs of t as never to be emitted and
// removes waiting dependants that can consequently never run, recursively.
func (p *Pool) pruneOrphans(t *task.Proxy, lost []string) {
	type item struct {
		t    *task.Proxy
		lost []string
	}
	work := []item{{t, lost}}
	for len(work) > 0 {
		it := work[0]
		work = work[1:]
		for _, o := range it.lost {
			ok := task.OutputKey{Point: it.t.Point, Task: it.t.Def.Name, Output: o}
			for _, child := range p.dependants(it.t.Point, it.t.Def.Name, o, nil, false) {
				if !child.MarkImpossible(ok) {
					continue
				}
				if child.State != model.TaskStateWaiting || child.Forced || !child.PrereqsImpossible() {
					continue
				}
				if _, live := p.index[keyOf(child)]; !live {
					continue
				}
				p.logger.Warn("removing orphaned task", "task", child.ID(), "upstream", ok.String())
				p.delete(child, "orphaned")
				work = append(work, item{child, child.Outputs.NotEmitted()})
			}
		}
	}
}

func (p *Pool) removeIfDone(t *task.Proxy) {
	if !t.State.IsFinal() {
		return
	}
	switch {
	case t.IsComplete():
		p.remove(t, "completed")
	case t.State == model.TaskStateExpired:
		p.remove(t, "expired")
	case t.State == model.TaskStateFailed && p.wf.Config.IsExpectedFailure(t.ID()):
		p.remove(t, "expected failure")
	default:
		p.logger.Warn("incomplete task retained", "task", t.ID(), "state", t.State, "missing", strings.Join(t.Outputs.Missing(), ", "))
	}
}

// remove takes t out of the pool for good: it will not be spawned again in
// the same flow.
func (p *Pool) remove(t *task.Proxy, reason string) {
	p.touch(t)
	p.history[keyOf(t)].removed = true
	p.delete(t, reason)
}

func (p *Pool) delete(t *task.Proxy, reason string) {
	p.tasks.Delete(t)
	delete(p.index, keyOf(t))
	p.logger.Debug("removed", "task", t.ID(), "reason", reason)
	if p.hooks.Removed != nil {
		p.hooks.Removed(t, reason)
	}
}

// Ready returns the waiting tasks that may be submitted now, in submission
// order: cycle point ascending, then declaration order. Queue limits, clock
// triggers, holds and retry delays are applied; forced tasks bypass queues
// and clock triggers.
func (p *Pool) Ready(now time.Time) []*task.Proxy {
	active := make(map[string]int)
	p.tasks.Ascend(func(t *task.Proxy) bool {
		if t.State.IsActive() && t.Def.Queue != "" {
			active[t.Def.Queue]++
		}
		return true
	})
	var out []*task.Proxy
	p.tasks.Ascend(func(t *task.Proxy) bool {
		if !t.IsReady(now) {
			return true
		}
		if !t.Forced {
			if !p.clockReady(t, now) {
				return true
			}
			if q := t.Def.Queue; q != "" {
				if limit := p.wf.Queues[q]; limit > 0 && active[q] >= limit {
					return true
				}
				active[q]++
			}
		}
		out = append(out, t)
		return true
	})
	return out
}

func (p *Pool) clockReady(t *task.Proxy, now time.Time) bool {
	off := t.Def.ClockTrigger
	if off == nil || t.Point.Mode() != cycling.Gregorian {
		return true
	}
	return !now.Before(t.Point.Add(*off).Time())
}

// ExpireTasks expires waiting tasks whose clock-expire time has passed and
// returns them.
func (p *Pool) ExpireTasks(now time.Time) []*task.Proxy {
	var due []*task.Proxy
	p.tasks.Ascend(func(t *task.Proxy) bool {
		off := t.Def.ClockExpire
		if off == nil || t.State != model.TaskStateWaiting || t.Forced || t.Point.Mode() != cycling.Gregorian {
			return true
		}
		if now.After(t.Point.Add(*off).Time()) {
			due = append(due, t)
		}
		return true
	})
	for _, t := range due {
		outs, err := t.Expire(now)
		if err != nil {
			p.logger.Error("expire task", "task", t.ID(), "error", err)
			continue
		}
		p.logger.Info("task expired", "task", t.ID())
		p.ProcessOutputs(t, outs)
	}
	return due
}

// IsComplete reports whether the run has nothing left to do: the pool is
// empty and every sequence is exhausted.
func (p *Pool) IsComplete() bool {
	if p.tasks.Len() > 0 || len(p.deferred) > 0 {
		return false
	}
	for _, c := range p.cursors {
		if !c.done {
			return false
		}
	}
	return true
}

// IsStalled reports whether the pool can make no further progress on its
// own: no job is active and no waiting task has satisfied prerequisites.
func (p *Pool) IsStalled() bool {
	if p.tasks.Len() == 0 {
		return false
	}
	stalled := true
	p.tasks.Ascend(func(t *task.Proxy) bool {
		if t.State.IsActive() || (t.State == model.TaskStateWaiting && (t.Forced || t.PrereqsSatisfied())) {
			stalled = false
			return false
		}
		return true
	})
	return stalled
}

// StallReport describes why the pool is stalled: incomplete tasks and
// waiting tasks with unsatisfied prerequisites.
func (p *Pool) StallReport() []string {
	var out []string
	p.tasks.Ascend(func(t *task.Proxy) bool {
		switch {
		case t.State.IsFinal():
			out = append(out, t.ID().String()+" did not complete required outputs "+strings.Join(t.Outputs.Missing(), ", "))
		case t.State == model.TaskStateWaiting && !t.PrereqsSatisfied():
			out = append(out, t.ID().String()+" is waiting on "+strings.Join(t.Unsatisfied(), ", "))
		}
		return true
	})
	return out
}
