package executor

import (
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
)

// DefaultPlatform is used for jobs that name no platform.
const DefaultPlatform = "localhost"

// Registry maps platform names to their Executor implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[string]Executor
	order     []string
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds an Executor to the registry, keyed by its Platform().
func (r *Registry) Register(exec Executor) {
	p := exec.Platform()
	if _, ok := r.executors[p]; !ok {
		r.order = append(r.order, p)
	}
	r.executors[p] = exec
	r.logger.Info("executor registered", "platform", p)
}

// Get returns the Executor for the given platform or an error if none is registered.
func (r *Registry) Get(platform string) (Executor, error) {
	if platform == "" {
		platform = DefaultPlatform
	}
	exec, ok := r.executors[platform]
	if !ok {
		return nil, fmt.Errorf("no executor registered for platform %q", platform)
	}
	return exec, nil
}

// Close closes every registered executor.
func (r *Registry) Close() error {
	var errs error
	for _, p := range r.order {
		errs = multierr.Append(errs, r.executors[p].Close())
	}
	return errs
}
