package task

import (
	"fmt"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
)

// OutputKey identifies one output of one task instance.
type OutputKey struct {
	Point  cycling.Point
	Task   string
	Output string
}

func (k OutputKey) String() string {
	return fmt.Sprintf("%s/%s:%s", k.Point, k.Task, k.Output)
}

// Bit is the state of one trigger term.
type Bit uint8

const (
	BitUnsatisfied Bit = iota
	BitSatisfied
	// BitDropped marks a term that refers to a pre-initial point. It counts
	// as satisfied under & and is ignored under |.
	BitDropped
	// BitImpossible marks a term whose output can no longer be emitted.
	BitImpossible
)

// Status is the three-valued result of evaluating a prerequisite.
type Status int

const (
	Unsatisfied Status = iota
	Satisfied
	Impossible
	dropped
)

// Prerequisite is one compiled dependency instantiated at a cycle point. The
// expression is fixed; only the bits change. Once satisfied it stays
// satisfied.
type Prerequisite struct {
	dep       *graph.Dependency
	keys      []OutputKey
	bits      []Bit
	satisfied bool
}

// NewPrerequisite instantiates dep for a task at point p. Terms before the
// initial point are dropped.
func NewPrerequisite(dep *graph.Dependency, p, initial cycling.Point) *Prerequisite {
	pr := &Prerequisite{
		dep:  dep,
		keys: make([]OutputKey, len(dep.Triggers)),
		bits: make([]Bit, len(dep.Triggers)),
	}
	for i, t := range dep.Triggers {
		at := t.PointFor(p)
		pr.keys[i] = OutputKey{Point: at, Task: t.Task, Output: t.Output}
		if at.Before(initial) {
			pr.bits[i] = BitDropped
		}
	}
	pr.update()
	return pr
}

// Keys returns the outputs the prerequisite refers to.
func (pr *Prerequisite) Keys() []OutputKey { return pr.keys }

// Satisfy sets every term matching k. It reports whether anything changed.
func (pr *Prerequisite) Satisfy(k OutputKey) bool {
	changed := false
	for i, key := range pr.keys {
		if key == k && pr.bits[i] != BitSatisfied && pr.bits[i] != BitDropped {
			pr.bits[i] = BitSatisfied
			changed = true
		}
	}
	if changed {
		pr.update()
	}
	return changed
}

// MarkImpossible records that the output k will never be emitted.
func (pr *Prerequisite) MarkImpossible(k OutputKey) bool {
	changed := false
	for i, key := range pr.keys {
		if key == k && pr.bits[i] == BitUnsatisfied {
			pr.bits[i] = BitImpossible
			changed = true
		}
	}
	if changed {
		pr.update()
	}
	return changed
}

// SatisfyAll forces every term satisfied, as for a manual trigger.
func (pr *Prerequisite) SatisfyAll() {
	for i := range pr.bits {
		if pr.bits[i] != BitDropped {
			pr.bits[i] = BitSatisfied
		}
	}
	pr.satisfied = true
}

func (pr *Prerequisite) update() {
	if !pr.satisfied && pr.Eval() == Satisfied {
		pr.satisfied = true
	}
}

// IsSatisfied reports whether the prerequisite has ever evaluated true.
func (pr *Prerequisite) IsSatisfied() bool { return pr.satisfied }

// IsImpossible reports whether no combination of future outputs can
// satisfy the prerequisite.
func (pr *Prerequisite) IsImpossible() bool {
	return !pr.satisfied && pr.Eval() == Impossible
}

// Eval evaluates the expression over the current bits.
func (pr *Prerequisite) Eval() Status {
	if pr.dep.Expr == nil {
		return Satisfied
	}
	s := pr.eval(pr.dep.Expr)
	if s == dropped {
		return Satisfied
	}
	return s
}

func (pr *Prerequisite) eval(e *graph.Expr) Status {
	switch e.Op {
	case graph.OpRef:
		switch pr.bits[e.Ref] {
		case BitSatisfied:
			return Satisfied
		case BitDropped:
			return dropped
		case BitImpossible:
			return Impossible
		}
		return Unsatisfied
	case graph.OpAnd:
		result := dropped
		for _, a := range e.Args {
			switch pr.eval(a) {
			case Impossible:
				return Impossible
			case Unsatisfied:
				result = Unsatisfied
			case Satisfied:
				if result == dropped {
					result = Satisfied
				}
			}
		}
		return result
	default:
		result := dropped
		for _, a := range e.Args {
			switch pr.eval(a) {
			case Satisfied:
				return Satisfied
			case Unsatisfied:
				result = Unsatisfied
			case Impossible:
				if result == dropped {
					result = Impossible
				}
			}
		}
		return result
	}
}

// Unsatisfied lists the terms that are not yet satisfied.
func (pr *Prerequisite) Unsatisfied() []string {
	if pr.satisfied {
		return nil
	}
	var out []string
	for i, b := range pr.bits {
		if b == BitUnsatisfied || b == BitImpossible {
			out = append(out, pr.keys[i].String())
		}
	}
	return out
}

// Bits returns a copy of the term states for persistence.
func (pr *Prerequisite) Bits() []Bit {
	return append([]Bit(nil), pr.bits...)
}

func (pr *Prerequisite) load(bits []Bit, satisfied bool) error {
	if len(bits) != len(pr.bits) {
		return fmt.Errorf("prerequisite has %d terms, checkpoint has %d", len(pr.bits), len(bits))
	}
	copy(pr.bits, bits)
	pr.satisfied = satisfied
	pr.update()
	return nil
}
