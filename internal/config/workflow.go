package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/pkg/model"
)

// Workflow is a parsed workflow definition file. Unknown keys are rejected
// when it is loaded.
type Workflow struct {
	Name       string            `yaml:"name"`
	Scheduler  SchedulerSection  `yaml:"scheduler"`
	Scheduling SchedulingSection `yaml:"scheduling"`
	Runtime    Namespaces        `yaml:"runtime"`
}

// SchedulerSection holds workflow-wide scheduler behaviour.
type SchedulerSection struct {
	UTCMode            bool            `yaml:"utc_mode"`
	AllowImplicitTasks bool            `yaml:"allow_implicit_tasks"`
	Events             SchedulerEvents `yaml:"events"`
}

// SchedulerEvents configures stall and inactivity handling.
type SchedulerEvents struct {
	StallTimeout             string `yaml:"stall_timeout"`
	AbortOnStallTimeout      bool   `yaml:"abort_on_stall_timeout"`
	InactivityTimeout        string `yaml:"inactivity_timeout"`
	AbortOnInactivityTimeout bool   `yaml:"abort_on_inactivity_timeout"`
	AbortOnTaskFailure       bool   `yaml:"abort_on_task_failure"`
	// ExpectedTaskFailures lists point/name ids (globs allowed) whose
	// failure does not count as incomplete or trigger an abort.
	ExpectedTaskFailures StringList `yaml:"expected_task_failures"`
}

// SchedulingSection holds cycling bounds and the graph.
type SchedulingSection struct {
	CyclingMode         string           `yaml:"cycling_mode"`
	InitialCyclePoint   string           `yaml:"initial_cycle_point"`
	FinalCyclePoint     string           `yaml:"final_cycle_point"`
	StopAfterCyclePoint string           `yaml:"stop_after_cycle_point"`
	HoldAfterCyclePoint string           `yaml:"hold_after_cycle_point"`
	RunaheadLimit       string           `yaml:"runahead_limit"`
	Queues              map[string]Queue `yaml:"queues"`
	SpecialTasks        SpecialTasks     `yaml:"special_tasks"`
	Graph               GraphSection     `yaml:"graph"`
}

// Queue limits the number of active tasks among its members.
type Queue struct {
	Limit   int        `yaml:"limit"`
	Members StringList `yaml:"members"`
}

// SpecialTasks maps task names to clock offsets.
type SpecialTasks struct {
	ClockTrigger map[string]string `yaml:"clock_trigger"`
	ClockExpire  map[string]string `yaml:"clock_expire"`
}

// LoadWorkflow reads and parses a workflow file. If path is a directory the
// file flow.yaml inside it is used.
func LoadWorkflow(file string) (*Workflow, error) {
	if fi, err := os.Stat(file); err == nil && fi.IsDir() {
		file = filepath.Join(file, "flow.yaml")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	wf, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if wf.Name == "" {
		wf.Name = filepath.Base(filepath.Dir(file))
	}
	return wf, nil
}

// ParseWorkflow parses a workflow definition and checks the settings that do
// not depend on the graph.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := decodeStrict(data, &wf); err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks scheduling values and every runtime namespace. All problems
// are reported together.
func (w *Workflow) Validate() error {
	var errs error
	ctx, err := w.CyclingContext()
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	if err == nil {
		for name, v := range map[string]string{
			"stop_after_cycle_point": w.Scheduling.StopAfterCyclePoint,
			"hold_after_cycle_point": w.Scheduling.HoldAfterCyclePoint,
		} {
			if v == "" {
				continue
			}
			if _, err := cycling.ResolvePoint(v, ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("scheduling.%s: %w", name, err))
			}
		}
		if w.Scheduling.RunaheadLimit != "" {
			d, err := cycling.ParseInterval(ctx.Mode, w.Scheduling.RunaheadLimit)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("scheduling.runahead_limit: %w", err))
			} else if d.IsNegative() {
				errs = multierr.Append(errs, fmt.Errorf("scheduling.runahead_limit must not be negative"))
			}
		}
	}
	for _, d := range []struct{ key, val string }{
		{"scheduler.events.stall_timeout", w.Scheduler.Events.StallTimeout},
		{"scheduler.events.inactivity_timeout", w.Scheduler.Events.InactivityTimeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := cycling.ParseDuration(d.val); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}
	for kind, m := range map[string]map[string]string{
		"clock_trigger": w.Scheduling.SpecialTasks.ClockTrigger,
		"clock_expire":  w.Scheduling.SpecialTasks.ClockExpire,
	} {
		for task, off := range m {
			if _, err := cycling.ParseInterval(cycling.Gregorian, orZero(off)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("special_tasks.%s[%s]: %w", kind, task, err))
			}
		}
	}
	for name, q := range w.Scheduling.Queues {
		if q.Limit < 0 {
			errs = multierr.Append(errs, fmt.Errorf("queues.%s: limit must not be negative", name))
		}
	}
	if len(w.Scheduling.Graph.Recurrences) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("scheduling.graph is empty"))
	}
	for _, name := range w.Runtime.Names() {
		tree, err := w.RuntimeTree(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rt, err := DecodeRuntime(tree)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("runtime %q: %w", name, err))
			continue
		}
		if err := rt.Validate(); err != nil {
			for _, e := range multierr.Errors(err) {
				errs = multierr.Append(errs, fmt.Errorf("runtime %q: %w", name, e))
			}
		}
	}
	return errs
}

func orZero(off string) string {
	if strings.TrimSpace(off) == "" {
		return "PT0S"
	}
	return off
}

// CyclingContext parses the cycling mode and the initial and final points.
func (w *Workflow) CyclingContext() (cycling.Context, error) {
	mode, err := cycling.ParseMode(w.Scheduling.CyclingMode)
	if err != nil {
		return cycling.Context{}, fmt.Errorf("scheduling.cycling_mode: %w", err)
	}
	ctx := cycling.Context{Mode: mode}
	icp := w.Scheduling.InitialCyclePoint
	if icp == "" {
		if mode != cycling.Integer {
			return ctx, fmt.Errorf("scheduling.initial_cycle_point is required")
		}
		icp = "1"
	}
	if ctx.Initial, err = cycling.ParsePoint(mode, icp); err != nil {
		return ctx, fmt.Errorf("scheduling.initial_cycle_point: %w", err)
	}
	if fcp := w.Scheduling.FinalCyclePoint; fcp != "" {
		if ctx.Final, err = cycling.ResolvePoint(fcp, ctx); err != nil {
			return ctx, fmt.Errorf("scheduling.final_cycle_point: %w", err)
		}
		if ctx.Final.Before(ctx.Initial) {
			return ctx, fmt.Errorf("scheduling.final_cycle_point %s is before the initial cycle point %s", ctx.Final, ctx.Initial)
		}
	}
	return ctx, nil
}

// ClockOffset returns the configured clock trigger or expiry offset of a
// task, relative to its cycle point.
func ClockOffset(m map[string]string, task string) (cycling.Interval, bool) {
	off, ok := m[task]
	if !ok {
		return cycling.Interval{}, false
	}
	d, err := cycling.ParseInterval(cycling.Gregorian, orZero(off))
	if err != nil {
		return cycling.Interval{}, false
	}
	return d, true
}

// IsExpectedFailure reports whether a task failure was declared expected.
func (w *Workflow) IsExpectedFailure(id model.TaskID) bool {
	for _, pattern := range w.Scheduler.Events.ExpectedTaskFailures {
		if MatchID(pattern, id) {
			return true
		}
	}
	return false
}

// MatchID matches a point/name glob against a task id. A bare name pattern
// matches every cycle point.
func MatchID(pattern string, id model.TaskID) bool {
	pp, np, ok := strings.Cut(pattern, "/")
	if !ok {
		pp, np = "*", pattern
	}
	return globMatch(pp, id.Point) && globMatch(np, id.Name)
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
