package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// CommandResult is the data payload returned by every command endpoint.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	// Matched lists the task ids a selector-based command acted on.
	Matched []string `json:"matched,omitempty"`
	// Count is the number of tasks affected, for commands that only count.
	Count int `json:"count,omitempty"`
	// Checkpoint is the id of a checkpoint taken by the command.
	Checkpoint int64 `json:"checkpoint,omitempty"`
}

// TasksRequest selects tasks by point/name glob patterns.
type TasksRequest struct {
	Tasks []string `json:"tasks"`
}

// HoldRequest holds tasks, or every task after a cycle point.
type HoldRequest struct {
	Tasks []string `json:"tasks,omitempty"`
	After string   `json:"after,omitempty"`
}

// ReleaseRequest releases held tasks. All also clears the hold point.
type ReleaseRequest struct {
	Tasks []string `json:"tasks,omitempty"`
	All   bool     `json:"all,omitempty"`
}

// TriggerRequest triggers tasks regardless of their prerequisites.
type TriggerRequest struct {
	Tasks []string `json:"tasks"`
	Flow  string   `json:"flow,omitempty"`
	Wait  bool     `json:"wait,omitempty"`
}

// SetRequest marks outputs of tasks as emitted.
type SetRequest struct {
	Tasks   []string `json:"tasks"`
	Outputs []string `json:"outputs,omitempty"`
	Flow    string   `json:"flow,omitempty"`
}

// BroadcastRequest sets (POST) or clears (DELETE) broadcast settings.
// Settings maps dotted runtime paths to values; Clear lists the paths to
// remove, or nothing to clear every setting of the selected targets.
type BroadcastRequest struct {
	Points     []string          `json:"points,omitempty"`
	Namespaces []string          `json:"namespaces,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	Clear      []string          `json:"clear,omitempty"`
}

// CheckpointRequest names a checkpoint.
type CheckpointRequest struct {
	Name string `json:"name,omitempty"`
}

// StopMode selects how a running workflow shuts down.
type StopMode string

const (
	// StopRequest stops submitting new jobs and shuts down once active jobs
	// have finished.
	StopRequest StopMode = "request"
	// StopNow shuts down at once, leaving active jobs to the executor.
	StopNow StopMode = "now"
	// StopKill kills active jobs, then shuts down.
	StopKill StopMode = "kill"
)

// Valid reports whether m is a known stop mode.
func (m StopMode) Valid() bool {
	switch m {
	case StopRequest, StopNow, StopKill:
		return true
	}
	return false
}

// StopRequestBody is the payload of a stop command. At most one of Point,
// Task and ClockTime may be set; they defer the stop instead of starting it.
type StopRequestBody struct {
	Mode      StopMode  `json:"mode,omitempty"`
	Point     string    `json:"point,omitempty"`
	Task      string    `json:"task,omitempty"`
	ClockTime time.Time `json:"clock_time,omitzero"`
}

// TaskEvent reports one task state change to subscribers.
type TaskEvent struct {
	Time      time.Time `json:"time"`
	Task      TaskID    `json:"task"`
	SubmitNum int       `json:"submit_num"`
	From      TaskState `json:"from"`
	State     TaskState `json:"state"`
	Outputs   []string  `json:"outputs,omitempty"`
}

// Dump is the snapshot of a running workflow returned by the dump command.
type Dump struct {
	Workflow   string            `json:"workflow"`
	UUID       string            `json:"uuid"`
	RunMode    RunMode           `json:"run_mode"`
	Paused     bool              `json:"paused"`
	Stopping   string            `json:"stopping,omitempty"`
	HoldPoint  string            `json:"hold_point,omitempty"`
	StopPoint  string            `json:"stop_point,omitempty"`
	Stalled    bool              `json:"stalled,omitempty"`
	Tasks      []TaskSummary     `json:"tasks"`
	Broadcasts []BroadcastRecord `json:"broadcasts,omitempty"`
}
