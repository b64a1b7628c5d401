package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/tmuxgate/internal/model"
)

var (
	ErrDuplicate         = errors.New("duplicate")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const taskColumns = `seq, task_id, command, due_at_unix_nano, status, principal, created_at, fired_at, finished_at, error_code, dispatch_id`

// InsertTask persists a new pending task and returns it with Seq assigned.
func (s *Store) InsertTask(ctx context.Context, task model.ScheduledTask) (model.ScheduledTask, error) {
	if strings.TrimSpace(task.TaskID) == "" {
		return model.ScheduledTask{}, fmt.Errorf("task_id is required")
	}
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks(task_id, command, due_at_unix_nano, status, principal, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, task.TaskID, task.Command, task.DueAt.UTC().UnixNano(), string(task.Status), task.Principal, ts(task.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.ScheduledTask{}, ErrDuplicate
		}
		return model.ScheduledTask{}, fmt.Errorf("insert task: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("task seq: %w", err)
	}
	task.Seq = seq
	task.DueAt = time.Unix(0, task.DueAt.UTC().UnixNano()).UTC()
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduledTask{}, ErrNotFound
		}
		return model.ScheduledTask{}, err
	}
	return task, nil
}

// ListTasks returns the most recent tasks first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]model.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectTasks(rows)
}

// ListDueTasks returns pending tasks with due_at <= now ordered by (due, seq).
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE status = 'pending' AND due_at_unix_nano <= ?
ORDER BY due_at_unix_nano ASC, seq ASC
LIMIT ?
`, now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectTasks(rows)
}

// NextDue reports the earliest pending due time, if any.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var due sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(due_at_unix_nano) FROM scheduled_tasks WHERE status = 'pending'`).Scan(&due); err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, due.Int64).UTC(), true, nil
}

type TaskTransition struct {
	TaskID     string
	From       model.TaskStatus
	To         model.TaskStatus
	At         time.Time
	ErrorCode  *string
	DispatchID *string
}

// TransitionTask applies a conditional status update. It reports false when
// the task was not in From, which is how concurrent fire and cancel resolve to
// a single outcome.
func (s *Store) TransitionTask(ctx context.Context, tr TaskTransition) (bool, error) {
	if !model.CanTransition(tr.From, tr.To) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.From, tr.To)
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	var firedAt any
	if tr.To == model.TaskFired {
		firedAt = ts(tr.At)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET
	status = ?,
	fired_at = COALESCE(?, fired_at),
	finished_at = ?,
	error_code = COALESCE(?, error_code),
	dispatch_id = COALESCE(?, dispatch_id)
WHERE task_id = ? AND status = ?
`, string(tr.To), firedAt, ts(tr.At), nullableStr(tr.ErrorCode), nullableStr(tr.DispatchID), tr.TaskID, string(tr.From))
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SetTaskDispatch(ctx context.Context, taskID, dispatchID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET dispatch_id = ? WHERE task_id = ?`, dispatchID, taskID)
	if err != nil {
		return fmt.Errorf("set task dispatch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (model.ScheduledTask, error) {
	var (
		task       model.ScheduledTask
		dueNano    int64
		status     string
		createdAt  string
		firedAt    sql.NullString
		finishedAt sql.NullString
		errorCode  sql.NullString
		dispatchID sql.NullString
	)
	if err := scanner.Scan(&task.Seq, &task.TaskID, &task.Command, &dueNano, &status, &task.Principal, &createdAt, &firedAt, &finishedAt, &errorCode, &dispatchID); err != nil {
		return model.ScheduledTask{}, err
	}
	task.DueAt = time.Unix(0, dueNano).UTC()
	task.Status = model.TaskStatus(status)
	var err error
	if task.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.ScheduledTask{}, fmt.Errorf("parse created_at: %w", err)
	}
	if task.FiredAt, err = parseNullableTS(firedAt); err != nil {
		return model.ScheduledTask{}, fmt.Errorf("parse fired_at: %w", err)
	}
	if task.FinishedAt, err = parseNullableTS(finishedAt); err != nil {
		return model.ScheduledTask{}, fmt.Errorf("parse finished_at: %w", err)
	}
	task.ErrorCode = nullStrPtr(errorCode)
	task.DispatchID = nullStrPtr(dispatchID)
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]model.ScheduledTask, error) {
	out := make([]model.ScheduledTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

const dispatchColumns = `dispatch_id, session_id, principal, origin, command_redacted, policy_version, started_at, finished_at, result, error_code`

func (s *Store) InsertDispatch(ctx context.Context, rec model.DispatchRecord) error {
	if rec.Result == "" {
		rec.Result = model.DispatchPending
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatches(`+dispatchColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.DispatchID, rec.SessionID, rec.Principal, string(rec.Origin), rec.CommandRedacted, rec.PolicyVersion,
		ts(rec.StartedAt), nullableTS(rec.FinishedAt), string(rec.Result), nullableStr(rec.ErrorCode))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// FinishDispatch moves a pending dispatch to its final result.
func (s *Store) FinishDispatch(ctx context.Context, dispatchID string, result model.DispatchResult, finishedAt time.Time, errorCode *string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE dispatches SET result = ?, finished_at = ?, error_code = ?
WHERE dispatch_id = ? AND result = 'pending'
`, string(result), ts(finishedAt), nullableStr(errorCode), dispatchID)
	if err != nil {
		return fmt.Errorf("finish dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish dispatch rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetDispatch(ctx context.Context, dispatchID string) (model.DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE dispatch_id = ?`, dispatchID)
	rec, err := scanDispatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DispatchRecord{}, ErrNotFound
		}
		return model.DispatchRecord{}, err
	}
	return rec, nil
}

// ListDispatches returns the most recent dispatches first.
func (s *Store) ListDispatches(ctx context.Context, limit int) ([]model.DispatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]model.DispatchRecord, 0)
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return out, nil
}

func scanDispatch(scanner interface{ Scan(dest ...any) error }) (model.DispatchRecord, error) {
	var (
		rec        model.DispatchRecord
		origin     string
		startedAt  string
		finishedAt sql.NullString
		result     string
		errorCode  sql.NullString
	)
	if err := scanner.Scan(&rec.DispatchID, &rec.SessionID, &rec.Principal, &origin, &rec.CommandRedacted, &rec.PolicyVersion, &startedAt, &finishedAt, &result, &errorCode); err != nil {
		return model.DispatchRecord{}, err
	}
	rec.Origin = model.Origin(origin)
	rec.Result = model.DispatchResult(result)
	var err error
	if rec.StartedAt, err = parseTS(startedAt); err != nil {
		return model.DispatchRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.FinishedAt, err = parseNullableTS(finishedAt); err != nil {
		return model.DispatchRecord{}, fmt.Errorf("parse finished_at: %w", err)
	}
	rec.ErrorCode = nullStrPtr(errorCode)
	return rec, nil
}

type PurgeResult struct {
	Tasks      int64
	Dispatches int64
}

// PurgeBefore deletes settled tasks and finished dispatches older than cutoff.
// Pending rows are never touched.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("begin retention tx: %w", err)
	}
	var out PurgeResult
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE status != 'pending' AND finished_at IS NOT NULL AND finished_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return PurgeResult{}, fmt.Errorf("delete old tasks: %w", err)
	}
	out.Tasks, _ = res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM dispatches WHERE result != 'pending' AND finished_at IS NOT NULL AND finished_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return PurgeResult{}, fmt.Errorf("delete old dispatches: %w", err)
	}
	out.Dispatches, _ = res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("commit retention tx: %w", err)
	}
	return out, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "scheduled_tasks", "dispatches":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// ts stores times as fixed-width UTC strings so lexical comparison in SQL
// matches chronological order.
func ts(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
