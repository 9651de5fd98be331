// Package store provides persistence for the workflow orchestrator:
// Executions, StateRecords, QueueTasks, Timers, Events and Templates.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process trials.
//   - SQLiteStore: single-file durable store, zero setup.
//   - MySQLStore: production durable store for multi-worker deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// Every storage operation returns one of these typed errors, so
// callers can branch on NotFound/Conflict without string matching.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflict")
	ErrIO            = errors.New("store: io")
	ErrSerialization = errors.New("store: serialization")
)

// ExecutionStatus is the lifecycle state of a workflow Execution.
type ExecutionStatus string

const (
	StatusRunning    ExecutionStatus = "RUNNING"
	StatusCompleted  ExecutionStatus = "COMPLETED"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusCancelled  ExecutionStatus = "CANCELLED"
	StatusPaused     ExecutionStatus = "PAUSED"
	StatusSuspended  ExecutionStatus = "SUSPENDED"
	StatusTerminated ExecutionStatus = "TERMINATED"

	// StatusReady and StatusWaiting are pre-RUNNING scheduling states used
	// only by Map/Parallel child executions: a child is
	// READY when it may be dispatched immediately (within
	// max_concurrency), otherwise WAITING until its parent promotes it.
	StatusReady   ExecutionStatus = "READY"
	StatusWaiting ExecutionStatus = "WAITING"
)

// IsTerminal reports whether this status closes the run; close_time is
// set exactly when IsTerminal holds.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated:
		return true
	default:
		return false
	}
}

// ExecutionMode selects whether a run completes synchronously in the
// caller or is driven by the engine registry in the background.
type ExecutionMode string

const (
	ModeInline   ExecutionMode = "Inline"
	ModeDeferred ExecutionMode = "Deferred"
)

// Execution is the durable record of one workflow run, keyed by RunID.
type Execution struct {
	RunID           string          `json:"run_id"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	TemplateID      string          `json:"template_id,omitempty"`
	Mode            ExecutionMode   `json:"mode"`
	Status          ExecutionStatus `json:"status"`
	CurrentState    string          `json:"current_state"`
	Input           []byte          `json:"input"`
	Result          []byte          `json:"result,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	CloseTime       *time.Time      `json:"close_time,omitempty"`
	ContextSnapshot []byte          `json:"context_snapshot"`
	Version         int             `json:"version"`
	ParentRunID     string          `json:"parent_run_id,omitempty"`
	ParentStateName string          `json:"parent_state_name,omitempty"`
	DSLDefinition   []byte          `json:"dsl_definition,omitempty"`
}

// StateRecordStatus is the lifecycle of one (run_id, state_name) entry.
type StateRecordStatus string

const (
	StateStarted   StateRecordStatus = "STARTED"
	StateCompleted StateRecordStatus = "COMPLETED"
	StateFailed    StateRecordStatus = "FAILED"
	StateCancelled StateRecordStatus = "CANCELLED"
)

// StateRecord tracks one state-visit per (run_id, state_name).
// Input is written exactly once, on first entry.
type StateRecord struct {
	RunID       string            `json:"run_id"`
	StateName   string            `json:"state_name"`
	Status      StateRecordStatus `json:"status"`
	Input       []byte            `json:"input"`
	Output      []byte            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// QueueTaskStatus is a node in the status transition DAG enforced by
// Persistent match-service stores:
//
//	pending    -> processing
//	processing -> completed | failed
//	failed     -> retrying
//	retrying   -> processing
type QueueTaskStatus string

const (
	TaskPending    QueueTaskStatus = "pending"
	TaskProcessing QueueTaskStatus = "processing"
	TaskCompleted  QueueTaskStatus = "completed"
	TaskFailed     QueueTaskStatus = "failed"
	TaskRetrying   QueueTaskStatus = "retrying"
)

// ErrInvalidStatusTransition is returned when a QueueTask update would
// leave the status transition DAG.
var ErrInvalidStatusTransition = errors.New("store: invalid queue task status transition")

// ValidQueueTransition reports whether from->to is an edge in the DAG.
func ValidQueueTransition(from, to QueueTaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskProcessing
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed
	case TaskFailed:
		return to == TaskRetrying
	case TaskRetrying:
		return to == TaskProcessing
	default:
		return false
	}
}

// QueueTask is a durable task intent backing the Match Service.
type QueueTask struct {
	TaskID       string          `json:"task_id"`
	RunID        string          `json:"run_id"`
	StateName    string          `json:"state_name"`
	Queue        string          `json:"queue"`
	Resource     string          `json:"resource"`
	Payload      []byte          `json:"payload"`
	Status       QueueTaskStatus `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Priority     int             `json:"priority,omitempty"`
	TimeoutSec   int             `json:"timeout_seconds,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
	ProcessingAt *time.Time      `json:"processing_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// TimerStatus mirrors the lifecycle of a durable wake-up.
type TimerStatus string

const (
	TimerPending TimerStatus = "pending"
	TimerFired   TimerStatus = "fired"
	TimerDeleted TimerStatus = "deleted"
)

// Timer is a durable single-shot wake-up backing the Wait state.
type Timer struct {
	TimerID   string      `json:"timer_id"`
	RunID     string      `json:"run_id"`
	StateName string      `json:"state_name"`
	FireAt    time.Time   `json:"fire_at"`
	Status    TimerStatus `json:"status"`
	Payload   []byte      `json:"payload,omitempty"`
}

// Event is a persisted EngineEvent, used both for the audit trail
// (`find_by_run_id`) and the transactional outbox (`PendingEvents`/
// `MarkEventsEmitted`) that lets a crashed batched dispatcher resume
// without double-emitting.
type Event struct {
	EventID   string                 `json:"event_id"`
	RunID     string                 `json:"run_id"`
	Kind      string                 `json:"kind"`
	StateName string                 `json:"state_name,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	EmittedAt *time.Time             `json:"emitted_at,omitempty"`
	Archived  bool                   `json:"archived,omitempty"`
}

// Template is a named, reusable WorkflowDSL definition.
type Template struct {
	TemplateID string    `json:"template_id"`
	Name       string    `json:"name"`
	Definition []byte    `json:"definition"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ExecutionPatch describes a partial update to an Execution row.
// Nil/zero fields are left unchanged except where noted.
type ExecutionPatch struct {
	CurrentState    *string
	Status          *ExecutionStatus
	ContextSnapshot []byte
	Result          []byte
	CloseTime       *time.Time
}

// StatePatch describes the fields written when a StateRecord finishes.
type StatePatch struct {
	Status      StateRecordStatus
	Output      []byte
	Error       string
	CompletedAt time.Time
}

// QueueTaskPatch describes a partial update to a QueueTask row.
type QueueTaskPatch struct {
	Status       *QueueTaskStatus
	Attempts     *int
	WorkerID     *string
	ProcessingAt *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	NextRetryAt  *time.Time
	Error        *string
}

// ExecutionStore is the durable CRUD surface for Execution rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, runID string) (*Execution, error)
	FindExecutions(ctx context.Context, limit, offset int) ([]*Execution, error)
	FindExecutionsByStatus(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error)
	UpdateExecution(ctx context.Context, runID string, patch ExecutionPatch) error
	DeleteExecution(ctx context.Context, runID string) error
	FindSubflowsByParent(ctx context.Context, parentRunID, parentStateName string) ([]*Execution, error)
}

// StateRecordStore is the durable CRUD surface for StateRecord rows.
type StateRecordStore interface {
	// UpsertStateOnEntry idempotently inserts a STARTED record for
	// (runID, stateName), writing input only on first insert.
	UpsertStateOnEntry(ctx context.Context, runID, stateName string, input []byte, startedAt time.Time) error
	UpdateStateOnFinish(ctx context.Context, runID, stateName string, patch StatePatch) error
	GetStateRecord(ctx context.Context, runID, stateName string) (*StateRecord, error)
	FindStateRecords(ctx context.Context, runID string) ([]*StateRecord, error)
}

// QueueTaskStore is the durable CRUD surface for QueueTask rows.
type QueueTaskStore interface {
	CreateQueueTask(ctx context.Context, t *QueueTask) error
	GetQueueTask(ctx context.Context, taskID string) (*QueueTask, error)
	FindQueueTasksByStatus(ctx context.Context, queue string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error)
	UpdateQueueTask(ctx context.Context, taskID string, patch QueueTaskPatch) error
	// UpdateByRunState applies patch to the unique non-terminal row for
	// (runID, stateName), optionally conditioned on expectedStatus, and
	// reports the number of rows changed (0 or 1) so callers can detect
	// lost races without a separate read.
	UpdateByRunState(ctx context.Context, runID, stateName string, patch QueueTaskPatch, expectedStatus *QueueTaskStatus) (int, error)
	FindTasksToRetry(ctx context.Context, before time.Time, limit int) ([]*QueueTask, error)
	DeleteQueueTask(ctx context.Context, taskID string) error
}

// TimerStore is the durable CRUD surface for Timer rows.
type TimerStore interface {
	CreateTimer(ctx context.Context, t *Timer) error
	GetTimer(ctx context.Context, timerID string) (*Timer, error)
	UpdateTimer(ctx context.Context, timerID string, status TimerStatus) error
	DeleteTimer(ctx context.Context, timerID string) error
	FindTimersBefore(ctx context.Context, fireAt time.Time, limit int) ([]*Timer, error)
}

// EventStore is the durable CRUD surface for Event rows, including
// the transactional outbox.
type EventStore interface {
	CreateEvent(ctx context.Context, e *Event) (string, error)
	FindEventsByRunID(ctx context.Context, runID string, limit, offset int) ([]*Event, error)
	PendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error
	ArchiveEvent(ctx context.Context, eventID string) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// TemplateStore is the durable CRUD surface for Template rows.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, templateID string) (*Template, error)
	UpdateTemplate(ctx context.Context, templateID string, definition []byte) error
	DeleteTemplate(ctx context.Context, templateID string) error
	FindTemplates(ctx context.Context, limit, offset int) ([]*Template, error)
}

// Store is the full storage contract the Engine, Match Service and
// Event Dispatcher depend on.
type Store interface {
	ExecutionStore
	StateRecordStore
	QueueTaskStore
	TimerStore
	EventStore
	TemplateStore

	Close() error
}
