package store

import (
	"context"
	"database/sql"
	"strings"
)

// poolColumns is shared by task_pool and task_pool_checkpoints.
const poolColumns = `
		cycle          TEXT NOT NULL,
		name           TEXT NOT NULL,
		flow_nums      TEXT NOT NULL,
		flow_wait      INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		is_held        INTEGER NOT NULL DEFAULT 0,
		is_forced      INTEGER NOT NULL DEFAULT 0,
		is_killed      INTEGER NOT NULL DEFAULT 0,
		submit_num     INTEGER NOT NULL DEFAULT 0,
		try_num        INTEGER NOT NULL DEFAULT 1,
		submit_retries INTEGER NOT NULL DEFAULT 0,
		run_mode       TEXT NOT NULL DEFAULT '',
		job_id         TEXT NOT NULL DEFAULT '',
		platform       TEXT NOT NULL DEFAULT '',
		retry_at       TEXT,
		submitted_at   TEXT,
		started_at     TEXT,
		outputs        TEXT NOT NULL DEFAULT '[]',
		prereqs        TEXT NOT NULL DEFAULT '[]'`

// schema contains the DDL for all run database tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoint_id (
		id    INTEGER PRIMARY KEY,
		time  TEXT NOT NULL,
		event TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_pool (` + poolColumns + `,
		PRIMARY KEY (cycle, name, flow_nums)
	)`,
	`CREATE TABLE IF NOT EXISTS task_pool_checkpoints (
		id INTEGER NOT NULL,` + poolColumns + `,
		PRIMARY KEY (id, cycle, name, flow_nums)
	)`,

	`CREATE TABLE IF NOT EXISTS task_spawn_queue (
		kind      TEXT NOT NULL,
		cycle     TEXT NOT NULL,
		name      TEXT NOT NULL,
		flow_nums TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_spawn_queue_checkpoints (
		id        INTEGER NOT NULL,
		kind      TEXT NOT NULL,
		cycle     TEXT NOT NULL,
		name      TEXT NOT NULL,
		flow_nums TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_states (
		cycle        TEXT NOT NULL,
		name         TEXT NOT NULL,
		flow_nums    TEXT NOT NULL,
		status       TEXT NOT NULL,
		submit_num   INTEGER NOT NULL DEFAULT 0,
		flow_wait    INTEGER NOT NULL DEFAULT 0,
		is_removed   INTEGER NOT NULL DEFAULT 0,
		time_updated TEXT NOT NULL,
		PRIMARY KEY (cycle, name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_outputs (
		cycle     TEXT NOT NULL,
		name      TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		outputs   TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (cycle, name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_states_checkpoints (
		id           INTEGER NOT NULL,
		cycle        TEXT NOT NULL,
		name         TEXT NOT NULL,
		flow_nums    TEXT NOT NULL,
		status       TEXT NOT NULL,
		submit_num   INTEGER NOT NULL DEFAULT 0,
		flow_wait    INTEGER NOT NULL DEFAULT 0,
		is_removed   INTEGER NOT NULL DEFAULT 0,
		time_updated TEXT NOT NULL,
		PRIMARY KEY (id, cycle, name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_outputs_checkpoints (
		id        INTEGER NOT NULL,
		cycle     TEXT NOT NULL,
		name      TEXT NOT NULL,
		flow_nums TEXT NOT NULL,
		outputs   TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (id, cycle, name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_jobs (
		cycle         TEXT NOT NULL,
		name          TEXT NOT NULL,
		submit_num    INTEGER NOT NULL,
		try_num       INTEGER NOT NULL,
		flow_nums     TEXT NOT NULL DEFAULT '[]',
		run_mode      TEXT NOT NULL,
		platform      TEXT NOT NULL DEFAULT '',
		job_id        TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		exit_code     INTEGER,
		time_submit   TEXT,
		time_run      TEXT,
		time_run_exit TEXT,
		PRIMARY KEY (cycle, name, submit_num)
	)`,

	`CREATE TABLE IF NOT EXISTS broadcast_states (
		point     TEXT NOT NULL,
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		PRIMARY KEY (point, namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS broadcast_states_checkpoints (
		id        INTEGER NOT NULL,
		point     TEXT NOT NULL,
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		PRIMARY KEY (id, point, namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS broadcast_events (
		time      TEXT NOT NULL,
		change    TEXT NOT NULL,
		point     TEXT NOT NULL,
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS suite_params (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS suite_params_checkpoints (
		id    INTEGER NOT NULL,
		key   TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (id, key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_task_jobs_task ON task_jobs(cycle, name)`,
	`CREATE INDEX IF NOT EXISTS idx_task_states_removed ON task_states(is_removed)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "task_jobs",
		column:   "exit_code",
		alterSQL: "ALTER TABLE task_jobs ADD COLUMN exit_code INTEGER",
	},
	{
		table:    "broadcast_events",
		column:   "value",
		alterSQL: "ALTER TABLE broadcast_events ADD COLUMN value TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
