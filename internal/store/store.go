package store

import (
	"context"

	"github.com/me/cycleflow/pkg/model"
)

// Update is one atomic write of scheduler state. The pool, spawn queue and
// broadcast table are replaced whole; history, jobs and params are upserted;
// broadcast events are appended.
type Update struct {
	Tasks           []model.TaskRecord
	Spawn           []model.SpawnRecord
	History         []model.HistoryRecord
	Jobs            []model.JobRecord
	Broadcasts      []model.BroadcastRecord
	BroadcastEvents []model.BroadcastChange
	Params          map[string]string
}

// Store defines the persistence layer for workflow run state.
type Store interface {
	// Live state
	Save(ctx context.Context, u *Update) error
	SavePool(ctx context.Context, tasks []model.TaskRecord, spawn []model.SpawnRecord) error
	SaveBroadcasts(ctx context.Context, entries []model.BroadcastRecord) error
	AppendBroadcastEvents(ctx context.Context, events []model.BroadcastChange) error
	SaveParams(ctx context.Context, params map[string]string) error

	// Task history
	RecordTaskState(ctx context.Context, records ...model.HistoryRecord) error
	RecordOutputs(ctx context.Context, records ...model.HistoryRecord) error
	RecordJob(ctx context.Context, jobs ...model.JobRecord) error
	Jobs(ctx context.Context, point, name string) ([]model.JobRecord, error)
	BroadcastEvents(ctx context.Context) ([]model.BroadcastChange, error)

	// Checkpoints
	Snapshot(ctx context.Context, event string) (int64, error)
	Restore(ctx context.Context, id int64) (*model.Snapshot, error)
	ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, keep int) (int, error)
	RewindHistory(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
