package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteExecutionRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	exec := &Execution{
		RunID:           "r1",
		WorkflowID:      "wf",
		Mode:            ModeDeferred,
		Status:          StatusRunning,
		CurrentState:    "A",
		Input:           []byte(`{"x":1}`),
		StartTime:       time.Now().UTC(),
		ContextSnapshot: []byte(`{"x":1}`),
		DSLDefinition:   []byte(`{"startAt":"A","states":{}}`),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetExecution(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning || got.CurrentState != "A" || got.Version != 1 {
		t.Fatalf("got = %+v", got)
	}
	if string(got.Input) != `{"x":1}` || string(got.DSLDefinition) != `{"startAt":"A","states":{}}` {
		t.Fatalf("blobs did not round-trip: %+v", got)
	}
	if got.CloseTime != nil {
		t.Fatalf("close_time should be NULL, got %v", got.CloseTime)
	}

	status := StatusCompleted
	now := time.Now().UTC()
	next := "B"
	if err := s.UpdateExecution(ctx, "r1", ExecutionPatch{
		CurrentState: &next, Status: &status, CloseTime: &now, Result: []byte(`{"ok":true}`),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetExecution(ctx, "r1")
	if got.Status != StatusCompleted || got.CloseTime == nil || got.Version != 2 {
		t.Fatalf("after update: %+v", got)
	}

	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteSubflowIndex(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, runID := range []string{"p:M:0", "p:M:1"} {
		if err := s.CreateExecution(ctx, &Execution{
			RunID: runID, Mode: ModeDeferred, Status: StatusReady, CurrentState: "A",
			StartTime:   base.Add(time.Duration(i) * time.Millisecond),
			ParentRunID: "p", ParentStateName: "M",
		}); err != nil {
			t.Fatalf("seed %s: %v", runID, err)
		}
	}

	children, err := s.FindSubflowsByParent(ctx, "p", "M")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(children) != 2 || children[0].RunID != "p:M:0" {
		t.Fatalf("children = %v", children)
	}
}

func TestSQLiteStateRecordUpsertIsWriteOnce(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	started := time.Now().UTC()

	if err := s.UpsertStateOnEntry(ctx, "r", "A", []byte(`{"first":true}`), started); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertStateOnEntry(ctx, "r", "A", []byte(`{"second":true}`), started.Add(time.Hour)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rec, err := s.GetStateRecord(ctx, "r", "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Input) != `{"first":true}` {
		t.Fatalf("input overwritten: %s", rec.Input)
	}

	if err := s.UpdateStateOnFinish(ctx, "r", "A", StatePatch{
		Status: StateCompleted, Output: []byte(`{"done":1}`), CompletedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, _ = s.GetStateRecord(ctx, "r", "A")
	if rec.Status != StateCompleted || rec.CompletedAt == nil {
		t.Fatalf("after finish: %+v", rec)
	}
}

func TestSQLiteQueueTaskConditionalUpdate(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	task := &QueueTask{
		RunID: "r", StateName: "s", Queue: "q", Resource: "echo",
		Status: TaskPending, MaxAttempts: 3, QueuedAt: time.Now().UTC(),
	}
	if err := s.CreateQueueTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := s.FindQueueTasksByStatus(ctx, "q", TaskPending, 10, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}

	processing := TaskProcessing
	worker := "w1"
	now := time.Now().UTC()
	expected := TaskPending
	rows, err := s.UpdateByRunState(ctx, "r", "s", QueueTaskPatch{
		Status: &processing, WorkerID: &worker, ProcessingAt: &now,
	}, &expected)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}

	// The same conditional update loses now that the status moved on.
	rows, err = s.UpdateByRunState(ctx, "r", "s", QueueTaskPatch{Status: &processing}, &expected)
	if err != nil {
		t.Fatalf("second conditional update: %v", err)
	}
	if rows != 0 {
		t.Fatalf("rows = %d, want 0 on lost race", rows)
	}

	got, _ := s.GetQueueTask(ctx, task.TaskID)
	if got.Status != TaskProcessing || got.WorkerID != "w1" {
		t.Fatalf("row = %+v", got)
	}
}

func TestSQLiteTimers(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateTimer(ctx, &Timer{
		TimerID: "t1", RunID: "r", StateName: "W",
		FireAt: now.Add(-time.Second), Status: TimerPending,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.FindTimersBefore(ctx, now, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(due) != 1 || due[0].TimerID != "t1" {
		t.Fatalf("due = %v", due)
	}

	if err := s.UpdateTimer(ctx, "t1", TimerFired); err != nil {
		t.Fatalf("update: %v", err)
	}
	due, _ = s.FindTimersBefore(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("fired timer still due")
	}
}

// Events get a per-run monotonic seq and the outbox tracks emission.
func TestSQLiteEventSequenceAndOutbox(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	var ids []string
	for _, kind := range []string{"WorkflowStarted", "NodeEnter", "NodeExit"} {
		id, err := s.CreateEvent(ctx, &Event{
			RunID: "r", Kind: kind, CreatedAt: time.Now().UTC(),
			Meta: map[string]interface{}{"k": "v"},
		})
		if err != nil {
			t.Fatalf("create event: %v", err)
		}
		ids = append(ids, id)
	}

	rows, err := s.FindEventsByRunID(ctx, "r", 0, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 3 || rows[0].Kind != "WorkflowStarted" || rows[2].Kind != "NodeExit" {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1].Meta["k"] != "v" {
		t.Fatalf("meta did not round-trip: %+v", rows[1])
	}

	if err := s.MarkEventsEmitted(ctx, ids); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, _ := s.PendingEvents(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending = %d after mark", len(pending))
	}
}

func TestSQLiteTemplates(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.CreateTemplate(ctx, &Template{
		TemplateID: "tpl1", Name: "greet", Definition: []byte(`{}`),
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateTemplate(ctx, "tpl1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTemplate(ctx, "tpl1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Definition) != `{"v":2}` || got.Version != 2 {
		t.Fatalf("template = %+v", got)
	}
}
