package task

import (
	"sort"

	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

// Outputs tracks the outputs a task instance has emitted. Outputs are never
// un-emitted.
type Outputs struct {
	def     *graph.TaskDef
	emitted map[string]bool
	order   []string
}

// NewOutputs returns the empty output set of a task.
func NewOutputs(def *graph.TaskDef) *Outputs {
	return &Outputs{def: def, emitted: map[string]bool{}}
}

// Emit records an output. It reports whether the output is new.
func (o *Outputs) Emit(name string) bool {
	if o.emitted[name] {
		return false
	}
	o.emitted[name] = true
	o.order = append(o.order, name)
	return true
}

// Has reports whether name has been emitted.
func (o *Outputs) Has(name string) bool { return o.emitted[name] }

// Emitted returns outputs in emission order.
func (o *Outputs) Emitted() []string {
	return append([]string(nil), o.order...)
}

// Missing returns required outputs not yet emitted, sorted.
func (o *Outputs) Missing() []string {
	var out []string
	for name := range o.def.Required {
		if !o.emitted[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IsComplete reports whether every required output has been emitted.
func (o *Outputs) IsComplete() bool {
	return len(o.Missing()) == 0
}

// IsRequired reports whether name must be emitted for completion.
func (o *Outputs) IsRequired(name string) bool {
	return o.def.Required[name]
}

// Unemittable returns the outputs that can no longer be emitted given the
// task finished in state s.
func (o *Outputs) Unemittable(s model.TaskState) []string {
	if !s.IsFinal() {
		return nil
	}
	return o.NotEmitted()
}

// NotEmitted returns every built-in and custom output not yet emitted.
func (o *Outputs) NotEmitted() []string {
	var out []string
	for _, name := range model.BuiltinOutputs {
		if !o.emitted[name] {
			out = append(out, name)
		}
	}
	names := make([]string, 0, len(o.def.Outputs))
	for name := range o.def.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !o.emitted[name] {
			out = append(out, name)
		}
	}
	return out
}
