package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Re-applying is a no-op.
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	mustExist := []string{"scheduled_tasks", "dispatches"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}
	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), applied)
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := db.ExecContext(ctx, `INSERT INTO scheduled_tasks(task_id, command, due_at_unix_nano, status, principal, created_at) VALUES('t1','ls',1,'pending','alice',?)`, now)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO scheduled_tasks(task_id, command, due_at_unix_nano, status, principal, created_at) VALUES('t1','ls',1,'pending','alice',?)`, now)
	if err == nil {
		t.Fatalf("expected unique violation on task_id")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO scheduled_tasks(task_id, command, due_at_unix_nano, status, principal, created_at) VALUES('t2','ls',1,'running','alice',?)`, now)
	if err == nil {
		t.Fatalf("expected status check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO scheduled_tasks(task_id, command, due_at_unix_nano, status, principal, created_at) VALUES('t3','',1,'pending','alice',?)`, now)
	if err == nil {
		t.Fatalf("expected empty command rejection")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO dispatches(dispatch_id, session_id, principal, origin, command_redacted, policy_version, started_at, result) VALUES('d1','s','alice','telnet','ls','v',?,'pending')`, now)
	if err == nil {
		t.Fatalf("expected origin check constraint failure")
	}
}

func TestTaskSchemaCarriesDispatchColumn(t *testing.T) {
	db, ctx := openTempDB(t)
	if _, err := db.ExecContext(ctx, migrations[0].UpSQL); err != nil {
		t.Fatalf("apply base migration: %v", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('scheduled_tasks')`)
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer rows.Close() //nolint:errcheck
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		if name == "dispatch_id" {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate columns: %v", err)
	}
	if !found {
		t.Fatalf("scheduled_tasks is missing dispatch_id")
	}

	for _, m := range migrations {
		if strings.Contains(m.UpSQL, "ALTER TABLE") {
			t.Fatalf("migration %d alters an existing table", m.Version)
		}
	}
}
