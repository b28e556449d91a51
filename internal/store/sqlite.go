package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/cycleflow/pkg/model"

	_ "modernc.org/sqlite"
)

// LiveCheckpoint is the id of the live state, which every save updates.
const LiveCheckpoint int64 = 0

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// The scheduler is the only writer; one connection also keeps an
	// in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, ns.String)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Live state ---

// Save writes one update atomically and marks the live checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, u *Update) error {
	s.logger.Debug("sql", "op", "save", "tasks", len(u.Tasks), "history", len(u.History), "jobs", len(u.Jobs))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writePool(ctx, tx, u.Tasks, u.Spawn); err != nil {
			return err
		}
		if err := writeTaskStates(ctx, tx, s.now(), u.History); err != nil {
			return err
		}
		if err := writeOutputs(ctx, tx, u.History); err != nil {
			return err
		}
		if err := writeJobs(ctx, tx, u.Jobs); err != nil {
			return err
		}
		if err := writeBroadcasts(ctx, tx, u.Broadcasts); err != nil {
			return err
		}
		if err := writeBroadcastEvents(ctx, tx, u.BroadcastEvents); err != nil {
			return err
		}
		if err := writeParams(ctx, tx, u.Params); err != nil {
			return err
		}
		return markLive(ctx, tx, s.now())
	})
}

// SavePool replaces the live task pool and spawn queue.
func (s *SQLiteStore) SavePool(ctx context.Context, tasks []model.TaskRecord, spawn []model.SpawnRecord) error {
	s.logger.Debug("sql", "op", "replace", "table", "task_pool", "rows", len(tasks))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writePool(ctx, tx, tasks, spawn); err != nil {
			return err
		}
		return markLive(ctx, tx, s.now())
	})
}

// SaveBroadcasts replaces the live broadcast table.
func (s *SQLiteStore) SaveBroadcasts(ctx context.Context, entries []model.BroadcastRecord) error {
	s.logger.Debug("sql", "op", "replace", "table", "broadcast_states", "rows", len(entries))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeBroadcasts(ctx, tx, entries)
	})
}

// AppendBroadcastEvents adds entries to the broadcast event log.
func (s *SQLiteStore) AppendBroadcastEvents(ctx context.Context, events []model.BroadcastChange) error {
	s.logger.Debug("sql", "op", "insert", "table", "broadcast_events", "rows", len(events))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeBroadcastEvents(ctx, tx, events)
	})
}

// SaveParams upserts scheduler parameters. An empty value deletes the key.
func (s *SQLiteStore) SaveParams(ctx context.Context, params map[string]string) error {
	s.logger.Debug("sql", "op", "upsert", "table", "suite_params", "rows", len(params))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeParams(ctx, tx, params)
	})
}

// RecordTaskState upserts task_states rows.
func (s *SQLiteStore) RecordTaskState(ctx context.Context, records ...model.HistoryRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeTaskStates(ctx, tx, s.now(), records)
	})
}

// RecordOutputs upserts task_outputs rows.
func (s *SQLiteStore) RecordOutputs(ctx context.Context, records ...model.HistoryRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeOutputs(ctx, tx, records)
	})
}

// RecordJob upserts task_jobs rows.
func (s *SQLiteStore) RecordJob(ctx context.Context, jobs ...model.JobRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeJobs(ctx, tx, jobs)
	})
}

func writePool(ctx context.Context, tx *sql.Tx, tasks []model.TaskRecord, spawn []model.SpawnRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_pool`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_spawn_queue`); err != nil {
		return err
	}
	for _, r := range tasks {
		outputs, err := json.Marshal(nonNil(r.Outputs))
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		prereqs, err := json.Marshal(r.Prereqs)
		if err != nil {
			return fmt.Errorf("marshal prereqs: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_pool (cycle, name, flow_nums, flow_wait, status, is_held, is_forced, is_killed,
			 submit_num, try_num, submit_retries, run_mode, job_id, platform, retry_at, submitted_at, started_at,
			 outputs, prereqs)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Point, r.Name, r.Flows, boolInt(r.FlowWait), string(r.State),
			boolInt(r.Held), boolInt(r.Forced), boolInt(r.Killed),
			r.SubmitNum, r.TryNum, r.SubmitRetries, string(r.RunMode), r.JobID, r.Platform,
			fmtTime(r.RetryAt), fmtTime(r.SubmittedAt), fmtTime(r.StartedAt),
			string(outputs), string(prereqs),
		)
		if err != nil {
			return fmt.Errorf("insert task %s/%s: %w", r.Point, r.Name, err)
		}
	}
	for _, r := range spawn {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_spawn_queue (kind, cycle, name, flow_nums) VALUES (?, ?, ?, ?)`,
			string(r.Kind), r.Point, r.Name, r.Flows,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeTaskStates(ctx context.Context, tx *sql.Tx, now time.Time, records []model.HistoryRecord) error {
	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_states (cycle, name, flow_nums, status, submit_num, flow_wait, is_removed, time_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(cycle, name) DO UPDATE SET
			   flow_nums = excluded.flow_nums, status = excluded.status, submit_num = excluded.submit_num,
			   flow_wait = excluded.flow_wait, is_removed = excluded.is_removed, time_updated = excluded.time_updated`,
			r.Point, r.Name, r.Flows, string(r.State), r.SubmitNum, boolInt(r.FlowWait), boolInt(r.Removed),
			now.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("record state %s/%s: %w", r.Point, r.Name, err)
		}
	}
	return nil
}

func writeOutputs(ctx context.Context, tx *sql.Tx, records []model.HistoryRecord) error {
	for _, r := range records {
		outputs, err := json.Marshal(nonNil(r.Outputs))
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_outputs (cycle, name, flow_nums, outputs) VALUES (?, ?, ?, ?)
			 ON CONFLICT(cycle, name) DO UPDATE SET flow_nums = excluded.flow_nums, outputs = excluded.outputs`,
			r.Point, r.Name, r.Flows, string(outputs),
		)
		if err != nil {
			return fmt.Errorf("record outputs %s/%s: %w", r.Point, r.Name, err)
		}
	}
	return nil
}

func writeJobs(ctx context.Context, tx *sql.Tx, jobs []model.JobRecord) error {
	for _, j := range jobs {
		var exit any
		if j.ExitCode != nil {
			exit = *j.ExitCode
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_jobs (cycle, name, submit_num, try_num, flow_nums, run_mode, platform, job_id, status,
			 exit_code, time_submit, time_run, time_run_exit)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(cycle, name, submit_num) DO UPDATE SET
			   try_num = excluded.try_num, flow_nums = excluded.flow_nums, run_mode = excluded.run_mode,
			   platform = excluded.platform, job_id = excluded.job_id, status = excluded.status,
			   exit_code = excluded.exit_code, time_submit = excluded.time_submit,
			   time_run = excluded.time_run, time_run_exit = excluded.time_run_exit`,
			j.Point, j.Name, j.SubmitNum, j.TryNum, j.Flows, string(j.RunMode), j.Platform, j.JobID,
			string(j.State), exit, fmtTime(j.Submitted), fmtTime(j.Started), fmtTime(j.Finished),
		)
		if err != nil {
			return fmt.Errorf("record job %s/%s/%02d: %w", j.Point, j.Name, j.SubmitNum, err)
		}
	}
	return nil
}

func writeBroadcasts(ctx context.Context, tx *sql.Tx, entries []model.BroadcastRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_states`); err != nil {
		return err
	}
	for _, b := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_states (point, namespace, key, value, seq) VALUES (?, ?, ?, ?, ?)`,
			b.Point, b.Namespace, b.Key, b.Value, b.Seq,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBroadcastEvents(ctx context.Context, tx *sql.Tx, events []model.BroadcastChange) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_events (time, change, point, namespace, key, value) VALUES (?, ?, ?, ?, ?, ?)`,
			e.Time.UTC().Format(time.RFC3339Nano), e.Change, e.Point, e.Namespace, e.Key, e.Value,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeParams(ctx context.Context, tx *sql.Tx, params map[string]string) error {
	for k, v := range params {
		var err error
		if v == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM suite_params WHERE key = ?`, k)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO suite_params (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		}
		if err != nil {
			return fmt.Errorf("save param %s: %w", k, err)
		}
	}
	return nil
}

func markLive(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoint_id (id, time, event) VALUES (?, ?, 'latest')
		 ON CONFLICT(id) DO UPDATE SET time = excluded.time`,
		LiveCheckpoint, now.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// --- Queries ---

// Jobs returns the recorded submissions of a task, oldest first. Empty
// point or name match all.
func (s *SQLiteStore) Jobs(ctx context.Context, point, name string) ([]model.JobRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "task_jobs", "cycle", point, "name", name)
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, name, submit_num, try_num, flow_nums, run_mode, platform, job_id, status,
		 exit_code, time_submit, time_run, time_run_exit
		 FROM task_jobs
		 WHERE (? = '' OR cycle = ?) AND (? = '' OR name = ?)
		 ORDER BY cycle, name, submit_num`,
		point, point, name, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.JobRecord
	for rows.Next() {
		var j model.JobRecord
		var runMode, status string
		var exit sql.NullInt64
		var submit, run, exitTime sql.NullString
		if err := rows.Scan(&j.Point, &j.Name, &j.SubmitNum, &j.TryNum, &j.Flows, &runMode, &j.Platform,
			&j.JobID, &status, &exit, &submit, &run, &exitTime); err != nil {
			return nil, err
		}
		j.RunMode = model.RunMode(runMode)
		j.State = model.TaskState(status)
		if exit.Valid {
			code := int(exit.Int64)
			j.ExitCode = &code
		}
		j.Submitted, j.Started, j.Finished = parseTime(submit), parseTime(run), parseTime(exitTime)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// BroadcastEvents returns the broadcast event log in order.
func (s *SQLiteStore) BroadcastEvents(ctx context.Context) ([]model.BroadcastChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, change, point, namespace, key, value FROM broadcast_events ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BroadcastChange
	for rows.Next() {
		var c model.BroadcastChange
		var ts string
		if err := rows.Scan(&ts, &c.Change, &c.Point, &c.Namespace, &c.Key, &c.Value); err != nil {
			return nil, err
		}
		c.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

// checkpointTables pairs each checkpointed live table with its copy.
var checkpointTables = [][2]string{
	{"task_pool", "task_pool_checkpoints"},
	{"task_spawn_queue", "task_spawn_queue_checkpoints"},
	{"task_states", "task_states_checkpoints"},
	{"task_outputs", "task_outputs_checkpoints"},
	{"broadcast_states", "broadcast_states_checkpoints"},
	{"suite_params", "suite_params_checkpoints"},
}

// Snapshot copies the live state into a new named checkpoint and returns
// its id.
func (s *SQLiteStore) Snapshot(ctx context.Context, event string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var live int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_id WHERE id = ?`, LiveCheckpoint).Scan(&live); err != nil {
			return err
		}
		if live == 0 {
			return errors.New("no workflow state has been saved")
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM checkpoint_id`).Scan(&id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint_id (id, time, event) VALUES (?, ?, ?)`,
			id, s.now().UTC().Format(time.RFC3339Nano), event); err != nil {
			return err
		}
		for _, t := range checkpointTables {
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+t[1]+` SELECT ?, * FROM `+t[0], id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint %q: %w", event, err)
	}
	s.logger.Info("checkpoint taken", "id", id, "event", event)
	return id, nil
}

// ListCheckpoints returns every checkpoint, the live state first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, time, event FROM checkpoint_id ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var c model.Checkpoint
		var ts string
		if err := rows.Scan(&c.ID, &ts, &c.Event); err != nil {
			return nil, err
		}
		c.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneCheckpoints deletes all but the newest keep named checkpoints. The
// live state and the newest named checkpoint are never deleted. It returns
// the number deleted.
func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM checkpoint_id WHERE id != ? ORDER BY id DESC LIMIT -1 OFFSET ?`,
			LiveCheckpoint, keep)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			for _, t := range checkpointTables {
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+t[1]+` WHERE id = ?`, id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_id WHERE id = ?`, id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("checkpoints pruned", "deleted", n, "kept", keep)
	}
	return n, nil
}

// Restore loads a checkpoint, task history included. Any failure is a
// RestartError.
func (s *SQLiteStore) Restore(ctx context.Context, id int64) (*model.Snapshot, error) {
	fail := func(reason string, err error) error {
		return &model.RestartError{Checkpoint: id, Reason: reason, Err: err}
	}
	snap := &model.Snapshot{Params: make(map[string]string)}

	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT id, time, event FROM checkpoint_id WHERE id = ?`, id).
		Scan(&snap.Checkpoint.ID, &ts, &snap.Checkpoint.Event)
	if errors.Is(err, sql.ErrNoRows) {
		if id == LiveCheckpoint {
			return nil, fail("no workflow state found", nil)
		}
		return nil, fail("no such checkpoint", nil)
	}
	if err != nil {
		return nil, fail("read checkpoint", err)
	}
	snap.Checkpoint.Time, _ = time.Parse(time.RFC3339Nano, ts)

	var pool, spawn, broadcasts, params string
	var args []any
	if id == LiveCheckpoint {
		pool, spawn, broadcasts, params = "task_pool", "task_spawn_queue", "broadcast_states", "suite_params"
		args = []any{}
	} else {
		pool, spawn, broadcasts, params = "task_pool_checkpoints", "task_spawn_queue_checkpoints",
			"broadcast_states_checkpoints", "suite_params_checkpoints"
		args = []any{id}
	}
	where := ""
	if id != LiveCheckpoint {
		where = " WHERE id = ?"
	}

	if snap.Tasks, err = s.readPool(ctx, pool, where, args); err != nil {
		return nil, fail("read task pool", err)
	}
	if snap.Spawn, err = s.readSpawn(ctx, spawn, where, args); err != nil {
		return nil, fail("read spawn queue", err)
	}
	if snap.Broadcasts, err = s.readBroadcasts(ctx, broadcasts, where, args); err != nil {
		return nil, fail("read broadcasts", err)
	}
	if err := s.readParams(ctx, params, where, args, snap.Params); err != nil {
		return nil, fail("read params", err)
	}
	if snap.History, err = s.readHistory(ctx, id); err != nil {
		return nil, fail("read task history", err)
	}
	if snap.Params[model.ParamInitialPoint] == "" {
		return nil, fail("initial cycle point not recorded", nil)
	}
	s.logger.Info("state loaded", "checkpoint", id, "tasks", len(snap.Tasks), "broadcasts", len(snap.Broadcasts))
	return snap, nil
}

// RewindHistory replaces the live task history with the copy taken with
// named checkpoint id.
func (s *SQLiteStore) RewindHistory(ctx context.Context, id int64) error {
	if id == LiveCheckpoint {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"task_states", "task_outputs"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_states (cycle, name, flow_nums, status, submit_num, flow_wait, is_removed, time_updated)
			 SELECT cycle, name, flow_nums, status, submit_num, flow_wait, is_removed, time_updated
			 FROM task_states_checkpoints WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_outputs (cycle, name, flow_nums, outputs)
			 SELECT cycle, name, flow_nums, outputs FROM task_outputs_checkpoints WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) readPool(ctx context.Context, table, where string, args []any) ([]model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, name, flow_nums, flow_wait, status, is_held, is_forced, is_killed, submit_num, try_num,
		 submit_retries, run_mode, job_id, platform, retry_at, submitted_at, started_at, outputs, prereqs
		 FROM `+table+where+` ORDER BY cycle, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		var r model.TaskRecord
		var state, runMode, outputs, prereqs string
		var flowWait, held, forced, killed int
		var retryAt, submittedAt, startedAt sql.NullString
		if err := rows.Scan(&r.Point, &r.Name, &r.Flows, &flowWait, &state, &held, &forced, &killed,
			&r.SubmitNum, &r.TryNum, &r.SubmitRetries, &runMode, &r.JobID, &r.Platform,
			&retryAt, &submittedAt, &startedAt, &outputs, &prereqs); err != nil {
			return nil, err
		}
		r.State = model.TaskState(state)
		r.RunMode = model.RunMode(runMode)
		r.FlowWait, r.Held, r.Forced, r.Killed = flowWait != 0, held != 0, forced != 0, killed != 0
		r.RetryAt, r.SubmittedAt, r.StartedAt = parseTime(retryAt), parseTime(submittedAt), parseTime(startedAt)
		if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
			return nil, fmt.Errorf("task %s/%s outputs: %w", r.Point, r.Name, err)
		}
		if err := json.Unmarshal([]byte(prereqs), &r.Prereqs); err != nil {
			return nil, fmt.Errorf("task %s/%s prerequisites: %w", r.Point, r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) readSpawn(ctx context.Context, table, where string, args []any) ([]model.SpawnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, cycle, name, flow_nums FROM `+table+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SpawnRecord
	for rows.Next() {
		var r model.SpawnRecord
		var kind string
		if err := rows.Scan(&kind, &r.Point, &r.Name, &r.Flows); err != nil {
			return nil, err
		}
		r.Kind = model.SpawnKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) readBroadcasts(ctx context.Context, table, where string, args []any) ([]model.BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT point, namespace, key, value, seq FROM `+table+where+` ORDER BY point, namespace, key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BroadcastRecord
	for rows.Next() {
		var b model.BroadcastRecord
		if err := rows.Scan(&b.Point, &b.Namespace, &b.Key, &b.Value, &b.Seq); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) readParams(ctx context.Context, table, where string, args []any, into map[string]string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM `+table+where, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

func (s *SQLiteStore) readHistory(ctx context.Context, id int64) ([]model.HistoryRecord, error) {
	const cols = `SELECT s.cycle, s.name, s.flow_nums, s.status, s.submit_num, s.flow_wait, s.is_removed,
		 COALESCE(o.outputs, '[]')`
	var rows *sql.Rows
	var err error
	if id == LiveCheckpoint {
		rows, err = s.db.QueryContext(ctx, cols+`
		 FROM task_states s LEFT JOIN task_outputs o ON o.cycle = s.cycle AND o.name = s.name
		 ORDER BY s.cycle, s.name`)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+`
		 FROM task_states_checkpoints s LEFT JOIN task_outputs_checkpoints o
		   ON o.id = s.id AND o.cycle = s.cycle AND o.name = s.name
		 WHERE s.id = ?
		 ORDER BY s.cycle, s.name`, id)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var h model.HistoryRecord
		var state, outputs string
		var flowWait, removed int
		if err := rows.Scan(&h.Point, &h.Name, &h.Flows, &state, &h.SubmitNum, &flowWait, &removed, &outputs); err != nil {
			return nil, err
		}
		h.State = model.TaskState(state)
		h.FlowWait, h.Removed = flowWait != 0, removed != 0
		if err := json.Unmarshal([]byte(outputs), &h.Outputs); err != nil {
			return nil, fmt.Errorf("task %s/%s outputs: %w", h.Point, h.Name, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
