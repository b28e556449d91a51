package model

// TaskState represents the lifecycle state of a task instance.
type TaskState string

const (
	TaskStateWaiting      TaskState = "waiting"
	TaskStatePreparing    TaskState = "preparing"
	TaskStateSubmitted    TaskState = "submitted"
	TaskStateSubmitFailed TaskState = "submit-failed"
	TaskStateRunning      TaskState = "running"
	TaskStateSucceeded    TaskState = "succeeded"
	TaskStateFailed       TaskState = "failed"
	TaskStateExpired      TaskState = "expired"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsFinal returns true if no further job can be started for the task
// without an explicit retrigger.
func (s TaskState) IsFinal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateSubmitFailed, TaskStateExpired:
		return true
	}
	return false
}

// IsActive returns true if a job is in flight for the task.
func (s TaskState) IsActive() bool {
	switch s {
	case TaskStatePreparing, TaskStateSubmitted, TaskStateRunning:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	_, ok := ValidTaskTransitions[s]
	return ok
}

// ValidTaskTransitions defines the allowed state transitions for task instances.
// Retries move failed attempts back to waiting before the final state is recorded,
// so failed/submit-failed are only entered once retries are exhausted.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateWaiting:      {TaskStatePreparing, TaskStateExpired, TaskStateSucceeded, TaskStateFailed},
	TaskStatePreparing:    {TaskStateSubmitted, TaskStateSubmitFailed, TaskStateWaiting, TaskStateFailed},
	TaskStateSubmitted:    {TaskStateRunning, TaskStateSucceeded, TaskStateFailed, TaskStateSubmitFailed, TaskStateWaiting},
	TaskStateRunning:      {TaskStateSucceeded, TaskStateFailed, TaskStateWaiting},
	TaskStateSucceeded:    {TaskStateWaiting},
	TaskStateFailed:       {TaskStateWaiting, TaskStateSucceeded},
	TaskStateSubmitFailed: {TaskStateWaiting, TaskStateSucceeded},
	TaskStateExpired:      {TaskStateWaiting},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunMode selects how a task instance is executed.
type RunMode string

const (
	RunModeLive       RunMode = "live"
	RunModeDummy      RunMode = "dummy"
	RunModeSimulation RunMode = "simulation"
	RunModeSkip       RunMode = "skip"
)

// IsGhost returns true for modes that complete without a real job.
func (m RunMode) IsGhost() bool {
	return m == RunModeSimulation || m == RunModeSkip
}

// Valid reports whether m is a known run mode.
func (m RunMode) Valid() bool {
	switch m {
	case RunModeLive, RunModeDummy, RunModeSimulation, RunModeSkip:
		return true
	}
	return false
}

// Built-in task outputs.
const (
	OutputSubmitted    = "submitted"
	OutputSubmitFailed = "submit-failed"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputExpired      = "expired"
)

// BuiltinOutputs lists the built-in outputs in emission order.
var BuiltinOutputs = []string{
	OutputSubmitted,
	OutputSubmitFailed,
	OutputStarted,
	OutputSucceeded,
	OutputFailed,
	OutputExpired,
}

// IsBuiltinOutput reports whether name is one of the built-in outputs.
func IsBuiltinOutput(name string) bool {
	for _, o := range BuiltinOutputs {
		if o == name {
			return true
		}
	}
	return false
}
