package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrRejected     ErrorCode = "COMMAND_REJECTED"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrUnavailable  ErrorCode = "UNAVAILABLE"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the command API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// MalformedCyclePointError is returned when a cycle point, interval or
// recurrence string does not match the grammar of the cycling mode.
type MalformedCyclePointError struct {
	Value  string
	Reason string
}

func (e *MalformedCyclePointError) Error() string {
	return fmt.Sprintf("malformed cycle point %q: %s", e.Value, e.Reason)
}

// GraphCompileError names a graph expression that could not be compiled.
type GraphCompileError struct {
	Section string // recurrence the expression belongs to, if any
	Expr    string
	Reason  string
}

func (e *GraphCompileError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("graph [%s] %q: %s", e.Section, e.Expr, e.Reason)
	}
	return fmt.Sprintf("graph %q: %s", e.Expr, e.Reason)
}

// PrerequisiteDeadlockError is returned when tasks depend on each other at the
// same cycle point.
type PrerequisiteDeadlockError struct {
	Tasks []string
}

func (e *PrerequisiteDeadlockError) Error() string {
	return fmt.Sprintf("unsatisfiable same-point dependency cycle involving: %v", e.Tasks)
}

// SubmissionFailureError records a failed job submission.
type SubmissionFailureError struct {
	Task      TaskID
	SubmitNum int
	Reason    string
}

func (e *SubmissionFailureError) Error() string {
	return fmt.Sprintf("%s/%02d: job submission failed: %s", e.Task, e.SubmitNum, e.Reason)
}

// ExecutionFailureError records a failed job execution.
type ExecutionFailureError struct {
	Task      TaskID
	SubmitNum int
	ExitCode  int
	Expected  bool
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("%s/%02d: job failed (exit %d)", e.Task, e.SubmitNum, e.ExitCode)
}

// RestartError is fatal at startup: the requested checkpoint is missing or
// cannot be turned back into a pool.
type RestartError struct {
	Checkpoint int64
	Reason     string
	Err        error
}

func (e *RestartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("restart from checkpoint %d: %s: %v", e.Checkpoint, e.Reason, e.Err)
	}
	return fmt.Sprintf("restart from checkpoint %d: %s", e.Checkpoint, e.Reason)
}

func (e *RestartError) Unwrap() error { return e.Err }

// BroadcastConflictError is returned for a broadcast with a malformed pattern
// or setting path. Nothing is applied.
type BroadcastConflictError struct {
	Namespace string
	Point     string
	Key       string
	Reason    string
}

func (e *BroadcastConflictError) Error() string {
	return fmt.Sprintf("broadcast [%s/%s] %s rejected: %s", e.Point, e.Namespace, e.Key, e.Reason)
}

// CommandRejectedError is returned when a command cannot be applied.
type CommandRejectedError struct {
	Command string
	Reason  string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Reason)
}

// AbortReason identifies why a workflow aborted.
type AbortReason string

const (
	AbortStallTimeout      AbortReason = "stall timeout"
	AbortInactivityTimeout AbortReason = "inactivity timeout"
	AbortTaskFailure       AbortReason = "task failed"
)

// AbortError is returned from the scheduler loop when a configured abort
// condition fired.
type AbortError struct {
	Reason AbortReason
	Detail string
}

func (e *AbortError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("workflow aborted: %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("workflow aborted: %s", e.Reason)
}

// AlreadyRunningError is returned when a scheduler already owns the run directory.
type AlreadyRunningError struct {
	RunDir string
	Addr   string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("workflow in %s is already running (%s)", e.RunDir, e.Addr)
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Task TaskID
	From TaskState
	To   TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s → %s (task %s)", e.From, e.To, e.Task)
}
