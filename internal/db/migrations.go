package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	command TEXT NOT NULL CHECK(length(command) > 0),
	due_at_unix_nano INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','fired','cancelled','failed')),
	principal TEXT NOT NULL,
	created_at TEXT NOT NULL,
	fired_at TEXT,
	finished_at TEXT,
	error_code TEXT,
	dispatch_id TEXT
);

CREATE INDEX IF NOT EXISTS scheduled_tasks_due
ON scheduled_tasks(status, due_at_unix_nano, seq);
`,
		DownSQL: `
DROP INDEX IF EXISTS scheduled_tasks_due;
DROP TABLE IF EXISTS scheduled_tasks;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS dispatches (
	dispatch_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	principal TEXT NOT NULL,
	origin TEXT NOT NULL CHECK(origin IN ('http','scheduler','broker')),
	command_redacted TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	result TEXT NOT NULL CHECK(result IN ('pending','completed','failed')),
	error_code TEXT
);

CREATE INDEX IF NOT EXISTS dispatches_started
ON dispatches(started_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS dispatches_started;
DROP TABLE IF EXISTS dispatches;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
