package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/cycleflow/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleUpdate() *Update {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Update{
		Tasks: []model.TaskRecord{
			{
				Point: "1", Name: "foo", Flows: "[1]", State: model.TaskStateRunning,
				SubmitNum: 2, TryNum: 2, RunMode: model.RunModeLive, JobID: "4242", Platform: "localhost",
				SubmittedAt: now, StartedAt: now.Add(time.Second),
				Outputs: []string{"submitted", "started"},
				Prereqs: []model.PrereqRecord{},
			},
			{
				Point: "1", Name: "bar", Flows: "[1]", State: model.TaskStateWaiting, Held: true,
				TryNum: 1, Outputs: []string{},
				Prereqs: []model.PrereqRecord{{Bits: "01", Satisfied: false}},
			},
			{
				Point: "2", Name: "foo", Flows: "[1,2]", State: model.TaskStateWaiting, FlowWait: true,
				TryNum: 1, RetryAt: now.Add(time.Minute), Outputs: []string{},
				Prereqs: []model.PrereqRecord{},
			},
		},
		Spawn: []model.SpawnRecord{
			{Kind: model.SpawnCursor, Point: "3", Name: "foo", Flows: "[1]"},
			{Kind: model.SpawnHold, Point: "5", Name: "bar"},
		},
		History: []model.HistoryRecord{
			{Point: "0", Name: "foo", Flows: "[1]", State: model.TaskStateSucceeded, SubmitNum: 1, Outputs: []string{"submitted", "started", "succeeded"}},
			{Point: "1", Name: "foo", Flows: "[1]", State: model.TaskStateRunning, SubmitNum: 2, Outputs: []string{"submitted", "started"}},
		},
		Jobs: []model.JobRecord{
			{Point: "1", Name: "foo", SubmitNum: 2, TryNum: 2, Flows: "[1]", RunMode: model.RunModeLive,
				Platform: "localhost", JobID: "4242", State: model.TaskStateRunning, Submitted: now, Started: now.Add(time.Second)},
		},
		Broadcasts: []model.BroadcastRecord{
			{Point: "*", Namespace: "root", Key: "environment.X", Value: "1", Seq: 1},
			{Point: "2", Namespace: "foo", Key: "run_mode", Value: "skip", Seq: 2},
		},
		BroadcastEvents: []model.BroadcastChange{
			{Time: now, Change: "+", Point: "*", Namespace: "root", Key: "environment.X", Value: "1"},
		},
		Params: map[string]string{
			model.ParamInitialPoint: "1",
			model.ParamUUID:         "run-1",
			model.ParamNextFlow:     "3",
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSaveAndRestoreLive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	u := sampleUpdate()
	if err := st.Save(ctx, u); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.Checkpoint.Event != "latest" {
		t.Errorf("checkpoint event = %q, want latest", snap.Checkpoint.Event)
	}

	// Restored tasks come back ordered by (cycle, name).
	wantTasks := []model.TaskRecord{u.Tasks[1], u.Tasks[0], u.Tasks[2]}
	if diff := cmp.Diff(wantTasks, snap.Tasks); diff != "" {
		t.Errorf("tasks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(u.Spawn, snap.Spawn); diff != "" {
		t.Errorf("spawn (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(u.History, snap.History); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(u.Broadcasts, snap.Broadcasts); diff != "" {
		t.Errorf("broadcasts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(u.Params, snap.Params); diff != "" {
		t.Errorf("params (-want +got):\n%s", diff)
	}
}

func TestSaveReplacesPool(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	next := &Update{
		Tasks: []model.TaskRecord{{Point: "3", Name: "foo", Flows: "[1]", State: model.TaskStateWaiting, TryNum: 1}},
		History: []model.HistoryRecord{
			{Point: "1", Name: "foo", Flows: "[1]", State: model.TaskStateSucceeded, SubmitNum: 2, Outputs: []string{"submitted", "started", "succeeded"}},
		},
	}
	if err := st.Save(ctx, next); err != nil {
		t.Fatal(err)
	}
	snap, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Point != "3" {
		t.Errorf("tasks = %+v, want only 3/foo", snap.Tasks)
	}
	if len(snap.Spawn) != 0 {
		t.Errorf("spawn queue not replaced: %+v", snap.Spawn)
	}
	// Broadcasts are replaced as a whole too.
	if len(snap.Broadcasts) != 0 {
		t.Errorf("broadcasts = %+v, want none", snap.Broadcasts)
	}
	// History is upserted, params are kept.
	if len(snap.History) != 2 || snap.History[1].State != model.TaskStateSucceeded {
		t.Errorf("history = %+v", snap.History)
	}
	if snap.Params[model.ParamUUID] != "run-1" {
		t.Errorf("params lost: %v", snap.Params)
	}
}

func TestSaveParamsDeletesEmpty(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveParams(ctx, map[string]string{model.ParamNextFlow: "", model.ParamPaused: "1"}); err != nil {
		t.Fatal(err)
	}
	snap, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Params[model.ParamNextFlow]; ok {
		t.Error("empty value should delete the param")
	}
	if snap.Params[model.ParamPaused] != "1" {
		t.Errorf("paused = %q", snap.Params[model.ParamPaused])
	}
}

func TestRestore_NoState(t *testing.T) {
	st := testStore(t)
	_, err := st.Restore(context.Background(), LiveCheckpoint)
	var re *model.RestartError
	if !errors.As(err, &re) {
		t.Fatalf("expected RestartError, got %v", err)
	}
}

func TestRestore_MissingCheckpoint(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	_, err := st.Restore(ctx, 7)
	var re *model.RestartError
	if !errors.As(err, &re) {
		t.Fatalf("expected RestartError, got %v", err)
	}
	if re.Checkpoint != 7 {
		t.Errorf("checkpoint = %d, want 7", re.Checkpoint)
	}
}

func TestRestore_CorruptOutputs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.db.Exec(`UPDATE task_pool SET outputs = 'not json' WHERE name = 'bar'`); err != nil {
		t.Fatal(err)
	}
	_, err := st.Restore(ctx, LiveCheckpoint)
	var re *model.RestartError
	if !errors.As(err, &re) {
		t.Fatalf("expected RestartError, got %v", err)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	u := sampleUpdate()
	if err := st.Save(ctx, u); err != nil {
		t.Fatal(err)
	}
	id, err := st.Snapshot(ctx, "before-upgrade")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if id != 1 {
		t.Errorf("first checkpoint id = %d, want 1", id)
	}

	// Move the live state on; the checkpoint must not change.
	if err := st.SavePool(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	snap, err := st.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.Checkpoint.Event != "before-upgrade" {
		t.Errorf("event = %q", snap.Checkpoint.Event)
	}
	if len(snap.Tasks) != len(u.Tasks) {
		t.Errorf("checkpoint tasks = %d, want %d", len(snap.Tasks), len(u.Tasks))
	}
	if diff := cmp.Diff(u.Spawn, snap.Spawn); diff != "" {
		t.Errorf("spawn (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(u.Broadcasts, snap.Broadcasts); diff != "" {
		t.Errorf("broadcasts (-want +got):\n%s", diff)
	}

	live, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(live.Tasks) != 0 {
		t.Errorf("live tasks = %d, want 0", len(live.Tasks))
	}
}

func TestSnapshot_NoState(t *testing.T) {
	st := testStore(t)
	if _, err := st.Snapshot(context.Background(), "x"); err == nil {
		t.Fatal("expected error snapshotting an empty store")
	}
}

func TestListAndPruneCheckpoints(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{"a", "b", "c", "d"} {
		if _, err := st.Snapshot(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.PruneCheckpoints(ctx, 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	cps, err := st.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, c := range cps {
		events = append(events, c.Event)
	}
	if diff := cmp.Diff([]string{"latest", "c", "d"}, events); diff != "" {
		t.Errorf("checkpoints (-want +got):\n%s", diff)
	}
	if _, err := st.Restore(ctx, 1); err == nil {
		t.Error("pruned checkpoint should not restore")
	}
	if _, err := st.Restore(ctx, 4); err != nil {
		t.Errorf("kept checkpoint: %v", err)
	}
}

func TestPruneCheckpoints_KeepsNewest(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, sampleUpdate()); err != nil {
		t.Fatal(err)
	}
	var last int64
	for _, ev := range []string{"a", "b"} {
		id, err := st.Snapshot(ctx, ev)
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}

	for _, keep := range []int{0, -1} {
		if _, err := st.PruneCheckpoints(ctx, keep); err != nil {
			t.Fatalf("PruneCheckpoints(%d): %v", keep, err)
		}
		if _, err := st.Restore(ctx, last); err != nil {
			t.Errorf("keep=%d: newest checkpoint pruned: %v", keep, err)
		}
	}
	cps, err := st.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Errorf("checkpoints = %+v, want latest and %d", cps, last)
	}
}

func TestRestore_NamedCheckpointHistory(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	u := sampleUpdate()
	if err := st.Save(ctx, u); err != nil {
		t.Fatal(err)
	}
	id, err := st.Snapshot(ctx, "before-run")
	if err != nil {
		t.Fatal(err)
	}

	later := []model.HistoryRecord{
		{Point: "1", Name: "foo", Flows: "[1]", State: model.TaskStateSucceeded, SubmitNum: 2, Outputs: []string{"submitted", "started", "succeeded"}},
		{Point: "1", Name: "bar", Flows: "[1]", State: model.TaskStateSucceeded, SubmitNum: 1, Outputs: []string{"submitted", "started", "succeeded"}},
	}
	if err := st.RecordTaskState(ctx, later...); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordOutputs(ctx, later...); err != nil {
		t.Fatal(err)
	}

	snap, err := st.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(u.History, snap.History); diff != "" {
		t.Errorf("checkpoint history (-want +got):\n%s", diff)
	}

	live, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(live.History) != 3 {
		t.Errorf("live history before rewind = %+v", live.History)
	}

	if err := st.RewindHistory(ctx, id); err != nil {
		t.Fatalf("RewindHistory: %v", err)
	}
	live, err = st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(u.History, live.History); diff != "" {
		t.Errorf("live history after rewind (-want +got):\n%s", diff)
	}
}

func TestJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	code := 1
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jobs := []model.JobRecord{
		{Point: "1", Name: "foo", SubmitNum: 1, TryNum: 1, Flows: "[1]", RunMode: model.RunModeLive,
			State: model.TaskStateFailed, ExitCode: &code, Submitted: now, Started: now, Finished: now.Add(time.Minute)},
		{Point: "1", Name: "foo", SubmitNum: 2, TryNum: 2, Flows: "[1]", RunMode: model.RunModeLive,
			State: model.TaskStateSubmitted, Submitted: now.Add(2 * time.Minute)},
		{Point: "1", Name: "bar", SubmitNum: 1, TryNum: 1, Flows: "[1]", RunMode: model.RunModeSkip,
			JobID: "skip", State: model.TaskStateSucceeded},
	}
	if err := st.RecordJob(ctx, jobs...); err != nil {
		t.Fatalf("RecordJob: %v", err)
	}

	got, err := st.Jobs(ctx, "1", "foo")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(jobs[:2], got); diff != "" {
		t.Errorf("jobs (-want +got):\n%s", diff)
	}

	// A later record of the same submission replaces the earlier one.
	jobs[1].State = model.TaskStateRunning
	jobs[1].Started = now.Add(3 * time.Minute)
	if err := st.RecordJob(ctx, jobs[1]); err != nil {
		t.Fatal(err)
	}
	all, err := st.Jobs(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("jobs = %d, want 3", len(all))
	}
	if all[2].State != model.TaskStateRunning {
		t.Errorf("updated job state = %s", all[2].State)
	}
}

func TestBroadcastEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []model.BroadcastChange{
		{Time: now, Change: "+", Point: "*", Namespace: "root", Key: "script", Value: "true"},
		{Time: now.Add(time.Second), Change: "-", Point: "*", Namespace: "root", Key: "script", Value: "true"},
	}
	if err := st.AppendBroadcastEvents(ctx, events); err != nil {
		t.Fatal(err)
	}
	got, err := st.BroadcastEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(events, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestRecordTaskStateAndOutputs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.SaveParams(ctx, map[string]string{model.ParamInitialPoint: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SavePool(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	h := model.HistoryRecord{Point: "1", Name: "foo", Flows: "[1]", State: model.TaskStateExpired, Removed: true}
	if err := st.RecordTaskState(ctx, h); err != nil {
		t.Fatal(err)
	}
	h.Outputs = []string{"expired"}
	if err := st.RecordOutputs(ctx, h); err != nil {
		t.Fatal(err)
	}
	snap, err := st.Restore(ctx, LiveCheckpoint)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.HistoryRecord{h}, snap.History); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}
