package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL/MariaDB-backed Store.
// Designed for:
//   - Production deployments with multiple orchestrator replicas sharing
//     one durable backend.
//   - Long-running workflows that must survive process restarts.
//
// Status-transition enforcement happens inside a single
// transaction per UpdateQueueTask/UpdateByRunState call so a concurrent
// writer can never observe or apply an invalid transition.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and migrates the
// orchestrator schema. dsn uses the go-sql-driver/mysql DSN format,
// e.g. "user:pass@tcp(127.0.0.1:3306)/orchestrator?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			run_id VARCHAR(191) PRIMARY KEY,
			workflow_id VARCHAR(191),
			template_id VARCHAR(191),
			mode VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_state VARCHAR(191) NOT NULL,
			input JSON,
			result JSON,
			start_time DATETIME(6) NOT NULL,
			close_time DATETIME(6),
			context_snapshot JSON,
			version INT NOT NULL DEFAULT 1,
			parent_run_id VARCHAR(191),
			parent_state_name VARCHAR(191),
			dsl_definition JSON,
			INDEX idx_status (status),
			INDEX idx_parent (parent_run_id, parent_state_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS state_records (
			run_id VARCHAR(191) NOT NULL,
			state_name VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON,
			output JSON,
			error TEXT,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6),
			PRIMARY KEY (run_id, state_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS queue_tasks (
			task_id VARCHAR(191) PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			state_name VARCHAR(191) NOT NULL,
			queue VARCHAR(191) NOT NULL,
			resource VARCHAR(191) NOT NULL,
			payload JSON,
			status VARCHAR(32) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			priority INT NOT NULL DEFAULT 0,
			timeout_seconds INT NOT NULL DEFAULT 0,
			worker_id VARCHAR(191),
			queued_at DATETIME(6) NOT NULL,
			processing_at DATETIME(6),
			completed_at DATETIME(6),
			failed_at DATETIME(6),
			next_retry_at DATETIME(6),
			error TEXT,
			INDEX idx_status (queue, status, priority, queued_at),
			INDEX idx_run_state (run_id, state_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS timers (
			timer_id VARCHAR(191) PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			state_name VARCHAR(191) NOT NULL,
			fire_at DATETIME(6) NOT NULL,
			status VARCHAR(32) NOT NULL,
			payload JSON,
			INDEX idx_fire_at (status, fire_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(191) PRIMARY KEY,
			seq BIGINT AUTO_INCREMENT UNIQUE,
			run_id VARCHAR(191) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			state_name VARCHAR(191),
			meta JSON,
			created_at DATETIME(6) NOT NULL,
			emitted_at DATETIME(6),
			archived TINYINT NOT NULL DEFAULT 0,
			INDEX idx_run_id (run_id, seq),
			INDEX idx_pending (emitted_at, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id VARCHAR(191) PRIMARY KEY,
			name VARCHAR(191) NOT NULL,
			definition JSON NOT NULL,
			version INT NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// --- Executions ---

func (s *MySQLStore) CreateExecution(ctx context.Context, e *Execution) error {
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

func (s *MySQLStore) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID)
	return scanExecution(row)
}

func (s *MySQLStore) FindExecutions(ctx context.Context, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY start_time LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
}

func (s *MySQLStore) FindExecutionsByStatus(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY start_time LIMIT ? OFFSET ?`,
		string(status), normalizeLimit(limit), offset)
}

func (s *MySQLStore) FindSubflowsByParent(ctx context.Context, parentRunID, parentStateName string) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE parent_run_id = ? AND parent_state_name = ? ORDER BY run_id`,
		parentRunID, parentStateName)
}

func (s *MySQLStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
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

func (s *MySQLStore) UpdateExecution(ctx context.Context, runID string, patch ExecutionPatch) error {
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

func (s *MySQLStore) DeleteExecution(ctx context.Context, runID string) error {
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

func (s *MySQLStore) UpsertStateOnEntry(ctx context.Context, runID, stateName string, input []byte, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_records (run_id, state_name, status, input, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE run_id = run_id`,
		runID, stateName, string(StateStarted), input, startedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *MySQLStore) UpdateStateOnFinish(ctx context.Context, runID, stateName string, patch StatePatch) error {
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

func (s *MySQLStore) GetStateRecord(ctx context.Context, runID, stateName string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM state_records WHERE run_id=? AND state_name=?`, runID, stateName)
	return scanStateRecord(row)
}

func (s *MySQLStore) FindStateRecords(ctx context.Context, runID string) ([]*StateRecord, error) {
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

func (s *MySQLStore) CreateQueueTask(ctx context.Context, t *QueueTask) error {
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

func (s *MySQLStore) GetQueueTask(ctx context.Context, taskID string) (*QueueTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueTaskColumns+` FROM queue_tasks WHERE task_id=?`, taskID)
	return scanQueueTask(row)
}

func (s *MySQLStore) FindQueueTasksByStatus(ctx context.Context, queue string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
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

func (s *MySQLStore) UpdateQueueTask(ctx context.Context, taskID string, patch QueueTaskPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer tx.Rollback()

	if patch.Status != nil {
		row := tx.QueryRowContext(ctx, `SELECT `+queueTaskColumns+` FROM queue_tasks WHERE task_id=? FOR UPDATE`, taskID)
		cur, err := scanQueueTask(row)
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

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *MySQLStore) UpdateByRunState(ctx context.Context, runID, stateName string, patch QueueTaskPatch, expectedStatus *QueueTaskStatus) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+queueTaskColumns+` FROM queue_tasks
		WHERE run_id=? AND state_name=? AND status != ? FOR UPDATE`, runID, stateName, string(TaskCompleted))
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

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return int(n), nil
}

func (s *MySQLStore) FindTasksToRetry(ctx context.Context, before time.Time, limit int) ([]*QueueTask, error) {
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

func (s *MySQLStore) DeleteQueueTask(ctx context.Context, taskID string) error {
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

func (s *MySQLStore) CreateTimer(ctx context.Context, t *Timer) error {
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

func (s *MySQLStore) GetTimer(ctx context.Context, timerID string) (*Timer, error) {
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

func (s *MySQLStore) UpdateTimer(ctx context.Context, timerID string, status TimerStatus) error {
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

func (s *MySQLStore) DeleteTimer(ctx context.Context, timerID string) error {
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

func (s *MySQLStore) FindTimersBefore(ctx context.Context, fireAt time.Time, limit int) ([]*Timer, error) {
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

func (s *MySQLStore) CreateEvent(ctx context.Context, e *Event) (string, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, kind, state_name, meta, created_at, emitted_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.EventID, e.RunID, e.Kind, e.StateName, metaJSON, e.CreatedAt, e.EmittedAt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return e.EventID, nil
}

func (s *MySQLStore) FindEventsByRunID(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
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

func (s *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
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

func (s *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
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

func (s *MySQLStore) ArchiveEvent(ctx context.Context, eventID string) error {
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

func (s *MySQLStore) DeleteEvent(ctx context.Context, eventID string) error {
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

func (s *MySQLStore) CreateTemplate(ctx context.Context, t *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (template_id, name, definition, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		t.TemplateID, t.Name, t.Definition, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (s *MySQLStore) GetTemplate(ctx context.Context, templateID string) (*Template, error) {
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

func (s *MySQLStore) UpdateTemplate(ctx context.Context, templateID string, definition []byte) error {
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

func (s *MySQLStore) DeleteTemplate(ctx context.Context, templateID string) error {
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

func (s *MySQLStore) FindTemplates(ctx context.Context, limit, offset int) ([]*Template, error) {
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
