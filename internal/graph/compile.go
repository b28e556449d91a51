package graph

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/pkg/model"
)

// outputAliases maps trigger qualifiers to output names.
var outputAliases = map[string]string{
	"":              model.OutputSucceeded,
	"submit":        model.OutputSubmitted,
	"submitted":     model.OutputSubmitted,
	"submit-fail":   model.OutputSubmitFailed,
	"submit-failed": model.OutputSubmitFailed,
	"start":         model.OutputStarted,
	"started":       model.OutputStarted,
	"succeed":       model.OutputSucceeded,
	"succeeded":     model.OutputSucceeded,
	"fail":          model.OutputFailed,
	"failed":        model.OutputFailed,
	"expire":        model.OutputExpired,
	"expired":       model.OutputExpired,
}

const finishQualifier = "finish"

type section struct {
	name  string
	seq   *cycling.Sequence
	edges []edge
}

type optionality int

const (
	optRequired optionality = iota + 1
	optOptional
)

type compiler struct {
	wf       *config.Workflow
	ctx      cycling.Context
	sections []*section
	defs     map[string]*TaskDef
	deps     map[*TaskDef]map[*section]*Dependency
	outputs  map[string]map[string]optionality
	errs     error
}

func (c *compiler) fail(sec, expr, format string, args ...any) {
	c.errs = multierr.Append(c.errs, &model.GraphCompileError{Section: sec, Expr: expr, Reason: fmt.Sprintf(format, args...)})
}

// Compile validates the graph against the runtime namespaces and builds the
// task definitions. Every problem found is returned, combined with multierr.
func Compile(wf *config.Workflow) (*Workflow, error) {
	ctx, err := wf.CyclingContext()
	if err != nil {
		return nil, err
	}
	c := &compiler{
		wf:      wf,
		ctx:     ctx,
		defs:    make(map[string]*TaskDef),
		deps:    make(map[*TaskDef]map[*section]*Dependency),
		outputs: make(map[string]map[string]optionality),
	}

	c.parseSections()
	if c.errs != nil {
		return nil, c.errs
	}
	c.defineTasks()
	if c.errs != nil {
		return nil, c.errs
	}
	c.compileEdges()
	c.resolveOutputs()
	if c.errs != nil {
		return nil, c.errs
	}
	if err := checkSamePointCycles(c.defs); err != nil {
		return nil, err
	}

	out := &Workflow{
		Name:     wf.Name,
		Config:   wf,
		Context:  ctx,
		Tasks:    c.defs,
		Queues:   map[string]int{},
		children: make(map[string][]ChildRef),
	}
	for name := range c.defs {
		out.Order = append(out.Order, name)
	}
	sort.Slice(out.Order, func(i, j int) bool {
		return c.defs[out.Order[i]].Index < c.defs[out.Order[j]].Index
	})
	for _, name := range out.Order {
		d := c.defs[name]
		for _, dep := range d.Deps {
			for i, t := range dep.Triggers {
				out.children[t.Task] = append(out.children[t.Task], ChildRef{Child: name, Dep: dep, Trigger: i})
				if !t.Absolute && t.Offset.Compare(out.MaxFutureOffset) > 0 {
					out.MaxFutureOffset = t.Offset
				}
			}
		}
	}
	if err := c.bounds(out); err != nil {
		return nil, err
	}
	c.queues(out)
	return out, nil
}

func (c *compiler) parseSections() {
	for _, key := range c.wf.Scheduling.Graph.Recurrences {
		seq, err := cycling.ParseSequence(key, c.ctx)
		if err != nil {
			c.fail(key, key, "bad recurrence: %v", err)
			continue
		}
		sec := &section{name: key, seq: seq}
		for _, line := range splitLines(c.wf.Scheduling.Graph.Text[key]) {
			edges, err := parseLine(line)
			if err != nil {
				c.fail(key, line, "%v", err)
				continue
			}
			sec.edges = append(sec.edges, edges...)
		}
		c.sections = append(c.sections, sec)
	}
}

// defineTasks creates a TaskDef for every name in the graph and attaches
// the sequences it runs on.
func (c *compiler) defineTasks() {
	runtime := &c.wf.Runtime
	families := map[string]bool{}
	for _, ns := range runtime.Names() {
		chain, err := c.wf.Linearize(ns)
		if err != nil {
			c.errs = multierr.Append(c.errs, err)
			return
		}
		for _, parent := range chain[1:] {
			families[parent] = true
		}
	}

	declIndex := map[string]int{}
	for i, ns := range runtime.Names() {
		declIndex[ns] = i
	}
	next := len(declIndex)

	define := func(sec *section, r ref, line string) {
		if families[r.name] || r.name == config.RootNamespace {
			c.fail(sec.name, line, "%s is a runtime family, not a task", r.name)
			return
		}
		d, ok := c.defs[r.name]
		if !ok {
			if !runtime.Has(r.name) {
				if !c.wf.Scheduler.AllowImplicitTasks {
					c.fail(sec.name, line, "task %q is not defined in runtime", r.name)
					return
				}
				runtime.Add(r.name, map[string]any{})
				declIndex[r.name] = next
				next++
			}
			chain, err := c.wf.Linearize(r.name)
			if err != nil {
				c.fail(sec.name, line, "%v", err)
				return
			}
			tree, err := c.wf.RuntimeTree(r.name)
			if err != nil {
				c.fail(sec.name, line, "%v", err)
				return
			}
			rt, err := config.DecodeRuntime(tree)
			if err != nil {
				c.fail(sec.name, line, "runtime %q: %v", r.name, err)
				return
			}
			d = &TaskDef{
				Name:       r.name,
				Index:      declIndex[r.name],
				Namespaces: chain,
				Runtime:    tree,
				Outputs:    rt.Outputs,
				Required:   map[string]bool{},
			}
			if off, ok := config.ClockOffset(c.wf.Scheduling.SpecialTasks.ClockTrigger, r.name); ok {
				d.ClockTrigger = &off
			}
			if off, ok := config.ClockOffset(c.wf.Scheduling.SpecialTasks.ClockExpire, r.name); ok {
				d.ClockExpire = &off
			}
			c.defs[r.name] = d
			c.deps[d] = make(map[*section]*Dependency)
		}
		for _, s := range d.Sequences {
			if s == sec.seq {
				return
			}
		}
		d.Sequences = append(d.Sequences, sec.seq)
	}

	for _, sec := range c.sections {
		for _, e := range sec.edges {
			var refs []ref
			if e.lhs != nil {
				refs = e.lhs.refs(nil)
			}
			for _, r := range append(refs, e.rhs...) {
				if !r.hasOffset {
					define(sec, r, e.line)
				}
			}
		}
	}
	// Tasks referenced only with offsets must still exist. A malformed
	// offset is reported as such.
	for _, sec := range c.sections {
		for _, e := range sec.edges {
			if e.lhs == nil {
				continue
			}
			for _, r := range e.lhs.refs(nil) {
				if !r.hasOffset || !c.resolveOffset(sec, e.line, r, &Trigger{}) {
					continue
				}
				if _, ok := c.defs[r.name]; !ok {
					c.fail(sec.name, e.line, "task %q is referenced but never scheduled", r.name)
				}
			}
		}
	}
}

func (c *compiler) compileEdges() {
	for _, sec := range c.sections {
		for _, e := range sec.edges {
			for _, target := range e.rhs {
				c.noteOutput(sec, e.line, target, target.optional || target.qualifier != "")
				if e.lhs == nil {
					continue
				}
				d := c.defs[target.name]
				dep := c.deps[d][sec]
				if dep == nil {
					dep = &Dependency{Seq: sec.seq}
					c.deps[d][sec] = dep
					d.Deps = append(d.Deps, dep)
				}
				expr, ok := c.expr(sec, e.line, target.name, e.lhs, dep)
				if !ok {
					continue
				}
				dep.Lines = append(dep.Lines, e.line)
				// Separate lines targeting the same task are all required.
				if dep.Expr == nil {
					dep.Expr = expr
				} else {
					dep.Expr = &Expr{Op: OpAnd, Args: []*Expr{dep.Expr, expr}}
				}
			}
		}
	}
}

// noteOutput records how a task output is referenced. A target on the right
// of => only counts when it carries an explicit qualifier or ?.
func (c *compiler) noteOutput(sec *section, line string, r ref, explicit bool) {
	if !explicit {
		return
	}
	if r.qualifier == finishQualifier {
		c.markOutput(sec, line, r.name, model.OutputSucceeded, true)
		c.markOutput(sec, line, r.name, model.OutputFailed, true)
		return
	}
	out, ok := c.outputName(r)
	if !ok {
		c.fail(sec.name, line, "task %q has no output %q", r.name, r.qualifier)
		return
	}
	c.markOutput(sec, line, r.name, out, r.optional)
}

func (c *compiler) markOutput(sec *section, line, task, output string, optional bool) {
	m := c.outputs[task]
	if m == nil {
		m = map[string]optionality{}
		c.outputs[task] = m
	}
	want := optRequired
	if optional {
		want = optOptional
	}
	if prev, ok := m[output]; ok && prev != want {
		c.fail(sec.name, line, "output %s:%s is optional in one place and required in another", task, output)
		return
	}
	m[output] = want
}

func (c *compiler) outputName(r ref) (string, bool) {
	if out, ok := outputAliases[r.qualifier]; ok {
		return out, true
	}
	if d, ok := c.defs[r.name]; ok {
		if _, ok := d.Outputs[r.qualifier]; ok {
			return r.qualifier, true
		}
	}
	return "", false
}

func (c *compiler) expr(sec *section, line, child string, n *node, dep *Dependency) (*Expr, bool) {
	switch n.op {
	case OpAnd, OpOr:
		e := &Expr{Op: n.op}
		for _, a := range n.args {
			sub, ok := c.expr(sec, line, child, a, dep)
			if !ok {
				return nil, false
			}
			e.Args = append(e.Args, sub)
		}
		return e, true
	}

	r := n.ref
	if r.name == child && !r.hasOffset {
		c.fail(sec.name, line, "%s depends on itself at the same cycle point", child)
		return nil, false
	}
	base := Trigger{Task: r.name, Optional: r.optional, Text: r.String()}
	if r.hasOffset {
		if !c.resolveOffset(sec, line, r, &base) {
			return nil, false
		}
	}
	parent := c.defs[r.name]
	if parent == nil {
		return nil, false
	}
	if !c.landsOnParent(sec, line, r, base, parent) {
		return nil, false
	}

	if r.qualifier == finishQualifier {
		c.markOutput(sec, line, r.name, model.OutputSucceeded, true)
		c.markOutput(sec, line, r.name, model.OutputFailed, true)
		e := &Expr{Op: OpOr}
		for _, out := range []string{model.OutputSucceeded, model.OutputFailed} {
			t := base
			t.Output, t.Optional = out, true
			dep.Triggers = append(dep.Triggers, t)
			e.Args = append(e.Args, &Expr{Op: OpRef, Ref: len(dep.Triggers) - 1})
		}
		return e, true
	}
	out, ok := c.outputName(r)
	if !ok {
		c.fail(sec.name, line, "task %q has no output %q", r.name, r.qualifier)
		return nil, false
	}
	c.markOutput(sec, line, r.name, out, r.optional)
	base.Output = out
	dep.Triggers = append(dep.Triggers, base)
	return &Expr{Op: OpRef, Ref: len(dep.Triggers) - 1}, true
}

func (c *compiler) resolveOffset(sec *section, line string, r ref, t *Trigger) bool {
	off := r.offset
	if strings.HasPrefix(off, "^") || strings.HasPrefix(off, "$") || !strings.Contains(off, "P") {
		p, err := cycling.ResolvePoint(off, c.ctx)
		if err != nil {
			c.fail(sec.name, line, "bad cycle point in %s: %v", r, err)
			return false
		}
		t.Absolute, t.Point = true, p
		return true
	}
	if !strings.HasPrefix(off, "+") && !strings.HasPrefix(off, "-") {
		off = "+" + off
	}
	d, err := cycling.ParseInterval(c.ctx.Mode, off)
	if err != nil {
		c.fail(sec.name, line, "bad cycle point offset in %s: %v", r, err)
		return false
	}
	t.Offset = d
	return true
}

// landsOnParent checks that the referenced upstream point is a point the
// parent actually runs at, for at least one dependent point that is not
// pre-initial.
func (c *compiler) landsOnParent(sec *section, line string, r ref, t Trigger, parent *TaskDef) bool {
	if t.Absolute {
		if t.Point.Before(c.ctx.Initial) || parent.OnSequence(t.Point) {
			return true
		}
		c.fail(sec.name, line, "%s: %s does not run at %s", r, r.name, t.Point)
		return false
	}
	shifted := sec.seq
	if !t.Offset.IsZero() {
		shifted = sec.seq.Shift(t.Offset)
	}
	shifted = shifted.AtOrAfter(c.ctx.Initial)
	if _, ok := shifted.First(); !ok {
		return true
	}
	for _, s := range parent.Sequences {
		if shifted.Coincides(s) {
			return true
		}
	}
	c.fail(sec.name, line, "%s never lands on a cycle point of %s", r, r.name)
	return false
}

// resolveOutputs applies the completion rules: succeeded is required unless
// marked optional (or failed is handled), and every other output referenced
// without ? is required.
func (c *compiler) resolveOutputs() {
	for name, d := range c.defs {
		refs := c.outputs[name]
		for out, opt := range refs {
			if opt == optRequired {
				d.Required[out] = true
			}
		}
		succ, succRef := refs[model.OutputSucceeded]
		fail, failRef := refs[model.OutputFailed]
		switch {
		case failRef && fail == optRequired && succRef && succ == optRequired:
			c.fail("", name, "%s:succeeded and %s:failed cannot both be required", name, name)
		case failRef && fail == optOptional && succRef && succ == optRequired:
			c.fail("", name, "%s:failed is optional so %s:succeeded must be optional too", name, name)
		case failRef:
			// handled failure: succeeded stays optional unless required explicitly
		case !succRef:
			d.Required[model.OutputSucceeded] = true
		}
	}
}

// bounds sets the runahead limit and the stop and hold points.
func (c *compiler) bounds(w *Workflow) error {
	sched := c.wf.Scheduling
	if sched.RunaheadLimit != "" {
		d, err := cycling.ParseInterval(c.ctx.Mode, sched.RunaheadLimit)
		if err != nil {
			return fmt.Errorf("scheduling.runahead_limit: %w", err)
		}
		w.Runahead = d
	} else {
		var smallest cycling.Interval
		for _, sec := range c.sections {
			step := sec.seq.Step()
			if step.IsZero() {
				continue
			}
			if smallest.IsZero() || step.Compare(smallest) < 0 {
				smallest = step
			}
		}
		if smallest.IsZero() {
			if c.ctx.Mode == cycling.Integer {
				smallest = cycling.IntegerInterval(1)
			} else {
				smallest = cycling.Seconds(86400)
			}
		}
		w.Runahead = smallest.Scale(4)
	}
	if s := sched.StopAfterCyclePoint; s != "" {
		p, err := cycling.ResolvePoint(s, c.ctx)
		if err != nil {
			return fmt.Errorf("scheduling.stop_after_cycle_point: %w", err)
		}
		w.StopPoint = p
	}
	if s := sched.HoldAfterCyclePoint; s != "" {
		p, err := cycling.ResolvePoint(s, c.ctx)
		if err != nil {
			return fmt.Errorf("scheduling.hold_after_cycle_point: %w", err)
		}
		w.HoldPoint = p
	}
	return nil
}

// queues assigns each task to the last queue (in name order) whose members
// include the task or one of its families.
func (c *compiler) queues(w *Workflow) {
	names := make([]string, 0, len(c.wf.Scheduling.Queues))
	for name, q := range c.wf.Scheduling.Queues {
		names = append(names, name)
		w.Queues[name] = q.Limit
	}
	sort.Strings(names)
	for _, d := range c.defs {
		for _, qn := range names {
			for _, m := range c.wf.Scheduling.Queues[qn].Members {
				for _, ns := range d.Namespaces {
					if ns == m {
						d.Queue = qn
					}
				}
			}
		}
	}
}
