package executor

import (
	"context"

	"github.com/me/cycleflow/pkg/model"
)

// Sink receives job lifecycle events. It is called from executor goroutines
// and must be safe for concurrent use.
type Sink func(model.JobEvent)

// Executor is a pluggable job submission backend for one platform.
type Executor interface {
	// Platform returns the platform name this executor serves.
	Platform() string

	// Submit hands a job to the backend and returns its job id. A nil error
	// means the job was submitted; the submitted event and every later event
	// are delivered through sink.
	Submit(ctx context.Context, job *model.Job, sink Sink) (jobID string, err error)

	// Kill requests termination of a submitted job. The terminal event may
	// still arrive afterwards.
	Kill(ctx context.Context, jobID string) error

	// Close terminates any jobs still running and waits for them.
	Close() error
}
