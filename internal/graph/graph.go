package graph

import (
	"strings"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/pkg/model"
)

// Trigger is a qualified output reference: the output of a task at a point
// given relative to the dependent task, or at an absolute point.
type Trigger struct {
	Task     string
	Output   string
	Offset   cycling.Interval
	Absolute bool
	Point    cycling.Point // set when Absolute
	Optional bool
	Text     string
}

// PointFor returns the upstream point this trigger refers to for a
// dependent task at p.
func (t Trigger) PointFor(p cycling.Point) cycling.Point {
	if t.Absolute {
		return t.Point
	}
	if t.Offset.IsZero() {
		return p
	}
	return p.Add(t.Offset)
}

// Expr is a compiled trigger expression. Leaves index into the owning
// Dependency's Triggers; the structure never changes after compilation.
type Expr struct {
	Op   Op
	Ref  int
	Args []*Expr
}

// Dependency is the prerequisite template of one task on one sequence.
type Dependency struct {
	Seq      *cycling.Sequence
	Expr     *Expr
	Triggers []Trigger
	Lines    []string
}

// TaskDef is the immutable definition of a task.
type TaskDef struct {
	Name       string
	Index      int // declaration order
	Sequences  []*cycling.Sequence
	Deps       []*Dependency
	Namespaces []string // inheritance chain, task first
	// Runtime is the static merged runtime settings tree.
	Runtime map[string]any
	// Outputs maps custom output names to their job messages.
	Outputs map[string]string
	// Required lists the outputs that must be emitted for the task to be
	// complete.
	Required     map[string]bool
	Queue        string
	ClockTrigger *cycling.Interval
	ClockExpire  *cycling.Interval
}

// OnSequence reports whether the task has an instance at p.
func (d *TaskDef) OnSequence(p cycling.Point) bool {
	for _, s := range d.Sequences {
		if s.Contains(p) {
			return true
		}
	}
	return false
}

// DepsAt returns the dependencies that apply at p.
func (d *TaskDef) DepsAt(p cycling.Point) []*Dependency {
	var out []*Dependency
	for _, dep := range d.Deps {
		if dep.Seq.Contains(p) {
			out = append(out, dep)
		}
	}
	return out
}

// FirstPoint returns the first point on any of the task's sequences.
func (d *TaskDef) FirstPoint() (cycling.Point, bool) {
	var best cycling.Point
	found := false
	for _, s := range d.Sequences {
		if p, ok := s.First(); ok && (!found || p.Before(best)) {
			best, found = p, true
		}
	}
	return best, found
}

// NextPoint returns the next point after p on any of the task's sequences.
func (d *TaskDef) NextPoint(p cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	found := false
	for _, s := range d.Sequences {
		if q, ok := s.Next(p); ok && (!found || q.Before(best)) {
			best, found = q, true
		}
	}
	return best, found
}

// OutputForMessage maps a job message to the custom output it emits.
func (d *TaskDef) OutputForMessage(msg string) (string, bool) {
	msg = strings.TrimSpace(msg)
	for name, m := range d.Outputs {
		if m == msg || name == msg {
			return name, true
		}
	}
	return "", false
}

// HasOutput reports whether name is a built-in or declared output.
func (d *TaskDef) HasOutput(name string) bool {
	if model.IsBuiltinOutput(name) {
		return true
	}
	_, ok := d.Outputs[name]
	return ok
}

// ChildRef locates a trigger that references a parent task's output.
type ChildRef struct {
	Child   string
	Dep     *Dependency
	Trigger int
}

// Workflow is the compiled, immutable form of a workflow definition.
type Workflow struct {
	Name    string
	Config  *config.Workflow
	Context cycling.Context
	Tasks   map[string]*TaskDef
	Order   []string // task names in declaration order

	// Runahead is the maximum distance between the oldest active cycle point
	// and any spawned task.
	Runahead cycling.Interval
	// MaxFutureOffset is the largest positive trigger offset in the graph.
	MaxFutureOffset cycling.Interval

	StopPoint cycling.Point
	HoldPoint cycling.Point
	Queues    map[string]int // queue name -> active limit (0 = unlimited)

	children map[string][]ChildRef
}

// Task returns the definition of a task.
func (w *Workflow) Task(name string) (*TaskDef, bool) {
	d, ok := w.Tasks[name]
	return d, ok
}

// Children returns the triggers that reference output of parent.
func (w *Workflow) Children(parent, output string) []ChildRef {
	var out []ChildRef
	for _, c := range w.children[parent] {
		if c.Dep.Triggers[c.Trigger].Output == output {
			out = append(out, c)
		}
	}
	return out
}

// IsPreInitial reports whether p lies before the initial cycle point.
func (w *Workflow) IsPreInitial(p cycling.Point) bool {
	return p.Before(w.Context.Initial)
}

// IsParentless reports whether the task at p has no relative trigger that
// can be satisfied by another task instance, so it must be spawned by its
// sequence rather than by an upstream output.
func (w *Workflow) IsParentless(d *TaskDef, p cycling.Point) bool {
	for _, dep := range d.DepsAt(p) {
		for _, t := range dep.Triggers {
			if t.Absolute {
				continue
			}
			if !w.IsPreInitial(t.PointFor(p)) {
				return false
			}
		}
	}
	return true
}

// Namespaces returns every runtime namespace name in declaration order.
func (w *Workflow) Namespaces() []string {
	return w.Config.Runtime.Names()
}
