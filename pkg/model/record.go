package model

import "time"

// PrereqRecord is the persisted state of one prerequisite: one digit per
// trigger term (0 unsatisfied, 1 satisfied, 2 dropped, 3 impossible).
type PrereqRecord struct {
	Bits      string `json:"bits"`
	Satisfied bool   `json:"satisfied"`
}

// TaskRecord is the persisted form of a live task instance. (Point, Name,
// Flows) is the row key.
type TaskRecord struct {
	Point         string         `json:"point"`
	Name          string         `json:"name"`
	Flows         string         `json:"flows"`
	FlowWait      bool           `json:"flow_wait,omitempty"`
	State         TaskState      `json:"state"`
	Held          bool           `json:"held,omitempty"`
	Forced        bool           `json:"forced,omitempty"`
	Killed        bool           `json:"killed,omitempty"`
	SubmitNum     int            `json:"submit_num"`
	TryNum        int            `json:"try_num"`
	SubmitRetries int            `json:"submit_retries,omitempty"`
	RunMode       RunMode        `json:"run_mode,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	RetryAt       time.Time      `json:"retry_at,omitzero"`
	SubmittedAt   time.Time      `json:"submitted_at,omitzero"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	Outputs       []string       `json:"outputs"`
	Prereqs       []PrereqRecord `json:"prereqs"`
}

// SpawnKind distinguishes rows of the spawn queue.
type SpawnKind string

const (
	// SpawnCursor is the next point at which a parentless task will be
	// spawned. An empty point means the task's sequences are exhausted.
	SpawnCursor SpawnKind = "cursor"
	// SpawnDeferred is a spawn held back by the runahead limit.
	SpawnDeferred SpawnKind = "deferred"
	// SpawnHold is a hold requested for a task not yet spawned.
	SpawnHold SpawnKind = "hold"
)

// SpawnRecord is one row of the spawn queue.
type SpawnRecord struct {
	Kind  SpawnKind `json:"kind"`
	Point string    `json:"point"`
	Name  string    `json:"name"`
	Flows string    `json:"flows"`
}

// HistoryRecord is the latest known state and outputs of a task instance,
// live or removed.
type HistoryRecord struct {
	Point     string    `json:"point"`
	Name      string    `json:"name"`
	Flows     string    `json:"flows"`
	State     TaskState `json:"state"`
	SubmitNum int       `json:"submit_num"`
	Outputs   []string  `json:"outputs"`
	FlowWait  bool      `json:"flow_wait,omitempty"`
	Removed   bool      `json:"removed,omitempty"`
}

// BroadcastRecord is one active broadcast setting.
type BroadcastRecord struct {
	Point     string `json:"point"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Seq       int64  `json:"seq"`
}

// BroadcastChange is one entry in the broadcast event log.
type BroadcastChange struct {
	Time      time.Time `json:"time"`
	Change    string    `json:"change"` // "+" set, "-" cleared or expired
	Point     string    `json:"point"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
}

// Checkpoint describes a stored snapshot. ID 0 is the live state.
type Checkpoint struct {
	ID    int64     `json:"id"`
	Time  time.Time `json:"time"`
	Event string    `json:"event"`
}

// Scheduler parameter keys persisted alongside the pool.
const (
	ParamUUID           = "uuid"
	ParamInitialPoint   = "icp"
	ParamFinalPoint     = "fcp"
	ParamStopPoint      = "stopcp"
	ParamStopTask       = "stop_task"
	ParamStopClockTime  = "stop_clock_time"
	ParamHoldPoint      = "holdcp"
	ParamPaused         = "is_paused"
	ParamRunMode        = "run_mode"
	ParamUTCMode        = "UTC_mode"
	ParamCyclingMode    = "cycling_mode"
	ParamNextFlow       = "next_flow_num"
	ParamBroadcastSeq   = "broadcast_seq"
	ParamWorkflowSource = "source"
)

// Snapshot is everything needed to resume a workflow run.
type Snapshot struct {
	Checkpoint Checkpoint
	Tasks      []TaskRecord
	Spawn      []SpawnRecord
	History    []HistoryRecord
	Broadcasts []BroadcastRecord
	Params     map[string]string
}

// JobRecord is one submission of a task instance, keyed by (Point, Name,
// SubmitNum).
type JobRecord struct {
	Point     string    `json:"point"`
	Name      string    `json:"name"`
	SubmitNum int       `json:"submit_num"`
	TryNum    int       `json:"try_num"`
	Flows     string    `json:"flows"`
	RunMode   RunMode   `json:"run_mode"`
	Platform  string    `json:"platform,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	State     TaskState `json:"state"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Submitted time.Time `json:"submitted,omitzero"`
	Started   time.Time `json:"started,omitzero"`
	Finished  time.Time `json:"finished,omitzero"`
}
