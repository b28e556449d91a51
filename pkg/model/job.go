package model

import "time"

// JobEventKind is a lifecycle event reported by the submission collaborator.
type JobEventKind string

const (
	JobSubmitted        JobEventKind = "submitted"
	JobSubmissionFailed JobEventKind = "submission_failed"
	JobStarted          JobEventKind = "started"
	JobSucceeded        JobEventKind = "succeeded"
	JobFailed           JobEventKind = "failed"
	JobMessage          JobEventKind = "message"
)

// JobEvent is one lifecycle callback. SubmitNum disambiguates events from
// earlier attempts of the same task instance.
type JobEvent struct {
	Task      TaskID       `json:"task"`
	SubmitNum int          `json:"submit_num"`
	Kind      JobEventKind `json:"kind"`
	ExitCode  int          `json:"exit_code,omitempty"`
	Message   string       `json:"message,omitempty"`
	JobID     string       `json:"job_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Time      time.Time    `json:"time"`
}

// Job is the unit handed to an executor.
type Job struct {
	Task      TaskID
	SubmitNum int
	TryNum    int
	Flows     []int
	RunMode   RunMode
	Platform  string
	Script    string
	Env       map[string]string
	// Handlers are opaque event handler commands run by the executor.
	Handlers      []string
	HandlerEvents []string
	// LogDir is the job log directory; empty for ghost modes.
	LogDir string
	JobID  string
}
