package cli

import (
	"errors"

	"github.com/me/cycleflow/pkg/model"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitInvalid  = 2
	ExitRunning  = 3
	ExitRestart  = 4
	ExitRejected = 5
)

// invalidError marks a workflow that failed to load or compile.
type invalidError struct{ err error }

func (e *invalidError) Error() string { return "invalid workflow: " + e.err.Error() }
func (e *invalidError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		invalid   *invalidError
		compile   *model.GraphCompileError
		deadlock  *model.PrerequisiteDeadlockError
		malformed *model.MalformedCyclePointError
		running   *model.AlreadyRunningError
		restart   *model.RestartError
		rejected  *model.CommandRejectedError
		apiErr    *model.APIError
	)
	switch {
	case errors.As(err, &running):
		return ExitRunning
	case errors.As(err, &restart):
		return ExitRestart
	case errors.As(err, &invalid), errors.As(err, &compile), errors.As(err, &deadlock), errors.As(err, &malformed):
		return ExitInvalid
	case errors.As(err, &rejected):
		return ExitRejected
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case model.ErrRejected, model.ErrValidation:
			return ExitRejected
		}
	}
	return ExitFailure
}
