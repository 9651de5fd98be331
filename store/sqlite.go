package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
// Designed for:
//   - Development and single-process deployments with zero setup
//   - Prototyping before migrating to MySQLStore
//
// Uses WAL mode for concurrent reads and a single-writer connection
// pool (SQLite supports one writer at a time).
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path
// and migrates the orchestrator schema into it. path may be ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT,
			template_id TEXT,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			current_state TEXT NOT NULL,
			input BLOB,
			result BLOB,
			start_time DATETIME NOT NULL,
			close_time DATETIME,
			context_snapshot BLOB,
			version INTEGER NOT NULL DEFAULT 1,
			parent_run_id TEXT,
			parent_state_name TEXT,
			dsl_definition BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_run_id, parent_state_name)`,
		`CREATE TABLE IF NOT EXISTS state_records (
			run_id TEXT NOT NULL,
			state_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			PRIMARY KEY (run_id, state_name)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_tasks (
			task_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			state_name TEXT NOT NULL,
			queue TEXT NOT NULL,
			resource TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			priority INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT,
			queued_at DATETIME NOT NULL,
			processing_at DATETIME,
			completed_at DATETIME,
			failed_at DATETIME,
			next_retry_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tasks_status ON queue_tasks(queue, status, priority DESC, queued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tasks_run_state ON queue_tasks(run_id, state_name)`,
		`CREATE TABLE IF NOT EXISTS timers (
			timer_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			state_name TEXT NOT NULL,
			fire_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_fire_at ON timers(status, fire_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER,
			kind TEXT NOT NULL,
			state_name TEXT,
			meta BLOB,
			created_at DATETIME NOT NULL,
			emitted_at DATETIME,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON events(emitted_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			definition BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// --- Executions ---

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, workflow_id, template_id, mode, status, current_state,
			input, result, start_time, close_time, context_snapshot, version,
			parent_run_id, parent_state_name, dsl_definition)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		e.RunID, e.WorkflowID, e.TemplateID, string(e.Mode), string(e.Status), e.CurrentState,
		e.Input, e.Result, e.StartTime, e.CloseTime, e.ContextSnapshot,
		e.ParentRunID, e.ParentStateName, e.DSLDefinition)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.Version = 1
	return nil
}

func scanExecution(row interface{ Scan(...interface{}) error }) (*Execution, error) {
	var e Execution
	var mode, status string
	if err := row.Scan(&e.RunID, &e.WorkflowID, &e.TemplateID, &mode, &status, &e.CurrentState,
		&e.Input, &e.Result, &e.StartTime, &e.CloseTime, &e.ContextSnapshot, &e.Version,
		&e.ParentRunID, &e.ParentStateName, &e.DSLDefinition); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.Mode = ExecutionMode(mode)
	e.Status = ExecutionStatus(status)
	return &e, nil
}

const executionColumns = `run_id, workflow_id, template_id, mode, status, current_state,
	input, result, start_time, close_time, context_snapshot, version,
	parent_run_id, parent_state_name, dsl_definition`

func (s *SQLiteStore) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID)
	return scanExecution(row)
}

func (s *SQLiteStore) FindExecutions(ctx context.Context, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY start_time LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
}

func (s *SQLiteStore) FindExecutionsByStatus(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY start_time LIMIT ? OFFSET ?`,
		string(status), normalizeLimit(limit), offset)
}

func (s *SQLiteStore) FindSubflowsByParent(ctx context.Context, parentRunID, parentStateName string) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE parent_run_id = ? AND parent_state_name = ? ORDER BY run_id`,
		parentRunID, parentStateName)
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, runID string, patch ExecutionPatch) error {
	cur, err := s.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if patch.CurrentState != nil {
		cur.CurrentState = *patch.CurrentState
	}
	if patch.Status != nil {
		cur.Status = *patch.Status
	}
	if patch.ContextSnapshot != nil {
		cur.ContextSnapshot = patch.ContextSnapshot
	}
	if patch.Result != nil {
		cur.Result = patch.Result
	}
	if patch.CloseTime != nil {
		cur.CloseTime = patch.CloseTime
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET current_state=?, status=?, context_snapshot=?, result=?, close_time=?, version=version+1
		WHERE run_id=?`,
		cur.CurrentState, string(cur.Status), cur.ContextSnapshot, cur.Result, cur.CloseTime, runID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE run_id=?`, runID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- State records ---

func (s *SQLiteStore) UpsertStateOnEntry(ctx context.Context, runID, stateName string, input []byte, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_records (run_id, state_name, status, input, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, state_name) DO NOTHING`,
		runID, stateName, string(StateStarted), input, startedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStateOnFinish(ctx context.Context, runID, stateName string, patch StatePatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE state_records SET status=?, output=?, error=?, completed_at=?
		WHERE run_id=? AND state_name=?`,
		string(patch.Status), patch.Output, patch.Error, patch.CompletedAt, runID, stateName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStateRecord(row interface{ Scan(...interface{}) error }) (*StateRecord, error) {
	var rec StateRecord
	var status string
	var errMsg sql.NullString // NULL until the record finishes
	if err := row.Scan(&rec.RunID, &rec.StateName, &status, &rec.Input, &rec.Output, &errMsg, &rec.StartedAt, &rec.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	rec.Status = StateRecordStatus(status)
	rec.Error = errMsg.String
	return &rec, nil
}

const stateColumns = `run_id, state_name, status, input, output, error, started_at, completed_at`

func (s *SQLiteStore) GetStateRecord(ctx context.Context, runID, stateName string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM state_records WHERE run_id=? AND state_name=?`, runID, stateName)
	return scanStateRecord(row)
}

func (s *SQLiteStore) FindStateRecords(ctx context.Context, runID string) ([]*StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM state_records WHERE run_id=? ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Queue tasks ---

func (s *SQLiteStore) CreateQueueTask(ctx context.Context, t *QueueTask) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (task_id, run_id, state_name, queue, resource, payload, status,
			attempts, max_attempts, priority, timeout_seconds, worker_id, queued_at,
			processing_at, completed_at, failed_at, next_retry_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.RunID, t.StateName, t.Queue, t.Resource, t.Payload, string(t.Status),
		t.Attempts, t.MaxAttempts, t.Priority, t.TimeoutSec, t.WorkerID, t.QueuedAt,
		t.ProcessingAt, t.CompletedAt, t.FailedAt, t.NextRetryAt, t.Error)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func scanQueueTask(row interface{ Scan(...interface{}) error }) (*QueueTask, error) {
	var t QueueTask
	var status string
	if err := row.Scan(&t.TaskID, &t.RunID, &t.StateName, &t.Queue, &t.Resource, &t.Payload, &status,
		&t.Attempts, &t.MaxAttempts, &t.Priority, &t.TimeoutSec, &t.WorkerID, &t.QueuedAt,
		&t.ProcessingAt, &t.CompletedAt, &t.FailedAt, &t.NextRetryAt, &t.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	t.Status = QueueTaskStatus(status)
	return &t, nil
}

const queueTaskColumns = `task_id, run_id, state_name, queue, resource, payload, status,
	attempts, max_attempts, priority, timeout_seconds, worker_id, queued_at,
	processing_at, completed_at, failed_at, next_retry_at, error`

func (s *SQLiteStore) GetQueueTask(ctx context.Context, taskID string) (*QueueTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueTaskColumns+` FROM queue_tasks WHERE task_id=?`, taskID)
	return scanQueueTask(row)
}

func (s *SQLiteStore) FindQueueTasksByStatus(ctx context.Context, queue string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
	query := `SELECT ` + queueTaskColumns + ` FROM queue_tasks WHERE status=?`
	args := []interface{}{string(status)}
	if queue != "" {
		query += ` AND queue=?`
		args = append(args, queue)
	}
	query += ` ORDER BY priority DESC, queued_at LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*QueueTask
	for rows.Next() {
		t, err := scanQueueTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func queueTaskSetClause(patch QueueTaskPatch) (string, []interface{}) {
	var sets []string
	var args []interface{}
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts=?")
		args = append(args, *patch.Attempts)
	}
	if patch.WorkerID != nil {
		sets = append(sets, "worker_id=?")
		args = append(args, *patch.WorkerID)
	}
	if patch.ProcessingAt != nil {
		sets = append(sets, "processing_at=?")
		args = append(args, *patch.ProcessingAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.FailedAt != nil {
		sets = append(sets, "failed_at=?")
		args = append(args, *patch.FailedAt)
	}
	if patch.NextRetryAt != nil {
		sets = append(sets, "next_retry_at=?")
		args = append(args, *patch.NextRetryAt)
	}
	if patch.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, *patch.Error)
	}
	return sets, args
}

func (s *SQLiteStore) UpdateQueueTask(ctx context.Context, taskID string, patch QueueTaskPatch) error {
	if patch.Status != nil {
		cur, err := s.GetQueueTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !ValidQueueTransition(cur.Status, *patch.Status) {
			return ErrInvalidStatusTransition
		}
	}
	sets, args := queueTaskSetClause(patch)
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE queue_tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE task_id=?"
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateByRunState(ctx context.Context, runID, stateName string, patch QueueTaskPatch, expectedStatus *QueueTaskStatus) (int, error) {
	query := `SELECT ` + queueTaskColumns + ` FROM queue_tasks WHERE run_id=? AND state_name=? AND status != ?`
	row := s.db.QueryRowContext(ctx, query, runID, stateName, string(TaskCompleted))
	cur, err := scanQueueTask(row)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if expectedStatus != nil && cur.Status != *expectedStatus {
		return 0, nil
	}
	if patch.Status != nil && !ValidQueueTransition(cur.Status, *patch.Status) {
		return 0, ErrInvalidStatusTransition
	}
	sets, args := queueTaskSetClause(patch)
	if len(sets) == 0 {
		return 0, nil
	}
	stmt := "UPDATE queue_tasks SET "
	for i, set := range sets {
		if i > 0 {
			stmt += ", "
		}
		stmt += set
	}
	stmt += " WHERE task_id=?"
	args = append(args, cur.TaskID)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) FindTasksToRetry(ctx context.Context, before time.Time, limit int) ([]*QueueTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueTaskColumns+` FROM queue_tasks
		WHERE status=? AND next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`,
		string(TaskRetrying), before, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*QueueTask
	for rows.Next() {
		t, err := scanQueueTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteQueueTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE task_id=?`, taskID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Timers ---

func (s *SQLiteStore) CreateTimer(ctx context.Context, t *Timer) error {
	if t.TimerID == "" {
		t.TimerID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (timer_id, run_id, state_name, fire_at, status, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TimerID, t.RunID, t.StateName, t.FireAt, string(t.Status), t.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *SQLiteStore) GetTimer(ctx context.Context, timerID string) (*Timer, error) {
	var t Timer
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT timer_id, run_id, state_name, fire_at, status, payload
		FROM timers WHERE timer_id=?`, timerID).Scan(&t.TimerID, &t.RunID, &t.StateName, &t.FireAt, &status, &t.Payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	t.Status = TimerStatus(status)
	return &t, nil
}

func (s *SQLiteStore) UpdateTimer(ctx context.Context, timerID string, status TimerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE timers SET status=? WHERE timer_id=?`, string(status), timerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteTimer(ctx context.Context, timerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE timer_id=?`, timerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindTimersBefore(ctx context.Context, fireAt time.Time, limit int) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timer_id, run_id, state_name, fire_at, status, payload
		FROM timers WHERE status=? AND fire_at <= ? ORDER BY fire_at LIMIT ?`,
		string(TimerPending), fireAt, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*Timer
	for rows.Next() {
		var t Timer
		var status string
		if err := rows.Scan(&t.TimerID, &t.RunID, &t.StateName, &t.FireAt, &status, &t.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		t.Status = TimerStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *Event) (string, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, seq, kind, state_name, meta, created_at, emitted_at, archived)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?), ?, ?, ?, ?, ?, 0)`,
		e.EventID, e.RunID, e.RunID, e.Kind, e.StateName, metaJSON, e.CreatedAt, e.EmittedAt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return e.EventID, nil
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var e Event
	var metaJSON []byte
	var archived int
	if err := row.Scan(&e.EventID, &e.RunID, &e.Kind, &e.StateName, &metaJSON, &e.CreatedAt, &e.EmittedAt, &archived); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}
	e.Archived = archived != 0
	return &e, nil
}

const eventColumns = `event_id, run_id, kind, state_name, meta, created_at, emitted_at, archived`

func (s *SQLiteStore) FindEventsByRunID(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id=? ORDER BY seq LIMIT ? OFFSET ?`,
		runID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE emitted_at IS NULL ORDER BY created_at LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer tx.Rollback()
	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET emitted_at=? WHERE event_id=?`, now, id); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveEvent(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET archived=1 WHERE event_id=?`, eventID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id=?`, eventID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Templates ---

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (template_id, name, definition, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		t.TemplateID, t.Name, t.Definition, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, templateID string) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `SELECT template_id, name, definition, version, created_at, updated_at
		FROM templates WHERE template_id=?`, templateID).
		Scan(&t.TemplateID, &t.Name, &t.Definition, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, templateID string, definition []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET definition=?, version=version+1, updated_at=? WHERE template_id=?`,
		definition, time.Now(), templateID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, templateID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE template_id=?`, templateID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindTemplates(ctx context.Context, limit, offset int) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template_id, name, definition, version, created_at, updated_at
		FROM templates ORDER BY template_id LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rows.Close()
	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.TemplateID, &t.Name, &t.Definition, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
