package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/pkg/model"
)

// RootNamespace is the implicit base of every inheritance chain.
const RootNamespace = "root"

// Runtime is the effective runtime configuration of a task after inheritance
// and broadcast overlay.
type Runtime struct {
	Inherit               StringList        `yaml:"inherit"`
	Script                string            `yaml:"script"`
	Environment           map[string]string `yaml:"environment"`
	Platform              string            `yaml:"platform"`
	RunMode               model.RunMode     `yaml:"run_mode"`
	ExecutionRetryDelays  StringList        `yaml:"execution_retry_delays"`
	SubmissionRetryDelays StringList        `yaml:"submission_retry_delays"`
	ExecutionTimeLimit    string            `yaml:"execution_time_limit"`
	// Outputs maps custom output names to the job message that emits them.
	Outputs    map[string]string `yaml:"outputs"`
	Simulation Simulation        `yaml:"simulation"`
	Skip       Skip              `yaml:"skip"`
	Events     Events            `yaml:"events"`
}

// Simulation configures simulation and dummy mode jobs.
type Simulation struct {
	DefaultRunLength string     `yaml:"default_run_length"`
	SpeedupFactor    float64    `yaml:"speedup_factor"`
	TimeLimitBuffer  string     `yaml:"time_limit_buffer"`
	FailCyclePoints  StringList `yaml:"fail_cycle_points"`
	FailTry1Only     bool       `yaml:"fail_try_1_only"`
}

// Skip configures skip mode.
type Skip struct {
	Outputs                  StringList `yaml:"outputs"`
	DisableTaskEventHandlers bool       `yaml:"disable_task_event_handlers"`
}

// Events holds opaque event handler commands, run by the executor.
type Events struct {
	Handlers      StringList `yaml:"handlers"`
	HandlerEvents StringList `yaml:"handler_events"`
}

func defaultRuntime() Runtime {
	return Runtime{
		RunMode: model.RunModeLive,
		Simulation: Simulation{
			DefaultRunLength: "PT10S",
			TimeLimitBuffer:  "PT30S",
			FailTry1Only:     true,
		},
		Skip: Skip{DisableTaskEventHandlers: true},
	}
}

// DecodeRuntime decodes a merged settings tree strictly over the defaults.
func DecodeRuntime(tree map[string]any) (*Runtime, error) {
	rt := defaultRuntime()
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}
	if err := decodeStrict(data, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// Validate checks value formats that the YAML types cannot express.
func (r *Runtime) Validate() error {
	var errs error
	// Dummy and simulation are workflow-wide modes.
	switch r.RunMode {
	case model.RunModeLive, model.RunModeSkip:
	default:
		errs = multierr.Append(errs, fmt.Errorf("run_mode %q: a task may only set live or skip", r.RunMode))
	}
	for _, d := range r.ExecutionRetryDelays {
		if _, err := cycling.ParseDuration(d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("execution_retry_delays: %w", err))
		}
	}
	for _, d := range r.SubmissionRetryDelays {
		if _, err := cycling.ParseDuration(d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("submission_retry_delays: %w", err))
		}
	}
	for name, d := range map[string]string{
		"execution_time_limit":          r.ExecutionTimeLimit,
		"simulation.default_run_length": r.Simulation.DefaultRunLength,
		"simulation.time_limit_buffer":  r.Simulation.TimeLimitBuffer,
	} {
		if d == "" {
			continue
		}
		if _, err := cycling.ParseDuration(d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if r.Simulation.SpeedupFactor < 0 {
		errs = multierr.Append(errs, fmt.Errorf("simulation.speedup_factor must not be negative"))
	}
	for name, msg := range r.Outputs {
		if model.IsBuiltinOutput(name) || name == "finished" {
			errs = multierr.Append(errs, fmt.Errorf("outputs: %q is a built-in output", name))
		}
		if strings.TrimSpace(msg) == "" {
			errs = multierr.Append(errs, fmt.Errorf("outputs: %q has no message", name))
		}
	}
	var skipSucceeded, skipFailed bool
	for _, o := range r.Skip.Outputs {
		switch o {
		case model.OutputSucceeded:
			skipSucceeded = true
		case model.OutputFailed:
			skipFailed = true
		}
	}
	if skipSucceeded && skipFailed {
		errs = multierr.Append(errs, fmt.Errorf("skip.outputs cannot contain both succeeded and failed"))
	}
	return errs
}

// RetryDelays returns parsed execution and submission retry delays.
func (r *Runtime) RetryDelays() (exec, submit []time.Duration) {
	for _, d := range r.ExecutionRetryDelays {
		if v, err := cycling.ParseDuration(d); err == nil {
			exec = append(exec, v)
		}
	}
	for _, d := range r.SubmissionRetryDelays {
		if v, err := cycling.ParseDuration(d); err == nil {
			submit = append(submit, v)
		}
	}
	return exec, submit
}

// TimeLimit returns the execution time limit, or zero when unset.
func (r *Runtime) TimeLimit() time.Duration {
	if r.ExecutionTimeLimit == "" {
		return 0
	}
	d, _ := cycling.ParseDuration(r.ExecutionTimeLimit)
	return d
}

// Overlay merges src into dst recursively; src wins on conflicting leaves.
func Overlay(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				Overlay(existing, sub)
				continue
			}
			dst[k] = cloneTree(sub)
			continue
		}
		dst[k] = v
	}
}

func cloneTree(t map[string]any) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneTree(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// SetPath sets a dotted setting path in tree. The value is parsed as a YAML
// scalar so numbers and booleans keep their type.
func SetPath(tree map[string]any, path, value string) error {
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("empty component in setting path %q", path)
		}
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil || v == nil {
		v = value
	}
	if _, isMap := v.(map[string]any); isMap {
		v = value
	}
	if _, isList := v.([]any); isList {
		v = value
	}
	node := tree
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[k] = next
		}
		node = next
	}
	node[keys[len(keys)-1]] = v
	return nil
}

// CheckSetting reports whether path=value would be accepted in a runtime
// section: the path must name a known setting and the value must decode.
func CheckSetting(path, value string) error {
	if path == "inherit" || strings.HasPrefix(path, "inherit.") {
		return fmt.Errorf("inheritance cannot be changed at run time")
	}
	tree := map[string]any{}
	if err := SetPath(tree, path, value); err != nil {
		return err
	}
	rt, err := DecodeRuntime(tree)
	if err != nil {
		return err
	}
	return rt.Validate()
}

// Linearize returns the inheritance chain of a namespace, most specific
// first and root last.
func (w *Workflow) Linearize(name string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	var visit func(n string, stack []string) error
	visit = func(n string, stack []string) error {
		for _, s := range stack {
			if s == n {
				return fmt.Errorf("runtime inheritance cycle: %s -> %s", strings.Join(stack, " -> "), n)
			}
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		var parents []string
		if tree := w.Runtime.Tree(n); tree != nil {
			parents = inheritOf(tree)
		}
		for _, p := range parents {
			if p == RootNamespace {
				continue
			}
			if !w.Runtime.Has(p) {
				return fmt.Errorf("runtime %q inherits undefined namespace %q", n, p)
			}
			if err := visit(p, append(stack, n)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(name, nil); err != nil {
		return nil, err
	}
	if name != RootNamespace {
		out = append(out, RootNamespace)
	}
	return out, nil
}

func inheritOf(tree map[string]any) []string {
	switch v := tree["inherit"].(type) {
	case string:
		return splitList(v)
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// RuntimeTree returns the merged raw settings of a namespace: root first,
// then each ancestor, then the namespace itself.
func (w *Workflow) RuntimeTree(name string) (map[string]any, error) {
	chain, err := w.Linearize(name)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		tree := w.Runtime.Tree(chain[i])
		if tree == nil {
			continue
		}
		own := cloneTree(tree)
		delete(own, "inherit")
		Overlay(merged, own)
	}
	return merged, nil
}
