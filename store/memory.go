package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation.
// Designed for:
//   - Testing and development
//   - Single-process trials before moving to SQLiteStore/MySQLStore
//
// Thread-safe; all state lives behind a single RWMutex. Data is lost
// when the process exits.
type MemStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	states     map[string]*StateRecord // "runID:stateName" -> record
	tasks      map[string]*QueueTask
	timers     map[string]*Timer
	events     map[string]*Event
	eventOrder []string // insertion order, for monotonic event_id scans
	templates  map[string]*Template
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions: make(map[string]*Execution),
		states:     make(map[string]*StateRecord),
		tasks:      make(map[string]*QueueTask),
		timers:     make(map[string]*Timer),
		events:     make(map[string]*Event),
		templates:  make(map[string]*Template),
	}
}

func stateKey(runID, stateName string) string { return runID + ":" + stateName }

func (m *MemStore) Close() error { return nil }

// --- Executions ---

func (m *MemStore) CreateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[e.RunID]; exists {
		return ErrConflict
	}
	cp := *e
	cp.Version = 1
	m.executions[e.RunID] = &cp
	return nil
}

func (m *MemStore) GetExecution(_ context.Context, runID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) FindExecutions(_ context.Context, limit, offset int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pageExecutions(m.executions, func(*Execution) bool { return true }, limit, offset), nil
}

func (m *MemStore) FindExecutionsByStatus(_ context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pageExecutions(m.executions, func(e *Execution) bool { return e.Status == status }, limit, offset), nil
}

func pageExecutions(all map[string]*Execution, pred func(*Execution) bool, limit, offset int) []*Execution {
	matched := make([]*Execution, 0, len(all))
	for _, e := range all {
		if pred(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartTime.Before(matched[j].StartTime) })
	if offset >= len(matched) {
		return nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end]
}

func (m *MemStore) UpdateExecution(_ context.Context, runID string, patch ExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[runID]
	if !ok {
		return ErrNotFound
	}
	if patch.CurrentState != nil {
		e.CurrentState = *patch.CurrentState
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.ContextSnapshot != nil {
		e.ContextSnapshot = patch.ContextSnapshot
	}
	if patch.Result != nil {
		e.Result = patch.Result
	}
	if patch.CloseTime != nil {
		e.CloseTime = patch.CloseTime
	}
	e.Version++
	return nil
}

func (m *MemStore) DeleteExecution(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[runID]; !ok {
		return ErrNotFound
	}
	delete(m.executions, runID)
	return nil
}

func (m *MemStore) FindSubflowsByParent(_ context.Context, parentRunID, parentStateName string) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.executions {
		if e.ParentRunID == parentRunID && e.ParentStateName == parentStateName {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// --- State records ---

func (m *MemStore) UpsertStateOnEntry(_ context.Context, runID, stateName string, input []byte, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(runID, stateName)
	if _, exists := m.states[key]; exists {
		return nil // input written exactly once; re-entry is a no-op.
	}
	m.states[key] = &StateRecord{
		RunID:     runID,
		StateName: stateName,
		Status:    StateStarted,
		Input:     input,
		StartedAt: startedAt,
	}
	return nil
}

func (m *MemStore) UpdateStateOnFinish(_ context.Context, runID, stateName string, patch StatePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[stateKey(runID, stateName)]
	if !ok {
		return ErrNotFound
	}
	rec.Status = patch.Status
	rec.Output = patch.Output
	rec.Error = patch.Error
	completed := patch.CompletedAt
	rec.CompletedAt = &completed
	return nil
}

func (m *MemStore) GetStateRecord(_ context.Context, runID, stateName string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.states[stateKey(runID, stateName)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) FindStateRecords(_ context.Context, runID string) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StateRecord
	for _, rec := range m.states {
		if rec.RunID == runID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- Queue tasks ---

func (m *MemStore) CreateQueueTask(_ context.Context, t *QueueTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	cp := *t
	m.tasks[t.TaskID] = &cp
	return nil
}

func (m *MemStore) GetQueueTask(_ context.Context, taskID string) (*QueueTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) FindQueueTasksByStatus(_ context.Context, queue string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*QueueTask, 0)
	for _, t := range m.tasks {
		if t.Status == status && (queue == "" || t.Queue == queue) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].QueuedAt.Before(matched[j].QueuedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func applyQueueTaskPatch(t *QueueTask, patch QueueTaskPatch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Attempts != nil {
		t.Attempts = *patch.Attempts
	}
	if patch.WorkerID != nil {
		t.WorkerID = *patch.WorkerID
	}
	if patch.ProcessingAt != nil {
		t.ProcessingAt = patch.ProcessingAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	if patch.FailedAt != nil {
		t.FailedAt = patch.FailedAt
	}
	if patch.NextRetryAt != nil {
		t.NextRetryAt = patch.NextRetryAt
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
}

func (m *MemStore) UpdateQueueTask(_ context.Context, taskID string, patch QueueTaskPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil && !ValidQueueTransition(t.Status, *patch.Status) {
		return ErrInvalidStatusTransition
	}
	applyQueueTaskPatch(t, patch)
	return nil
}

func (m *MemStore) UpdateByRunState(_ context.Context, runID, stateName string, patch QueueTaskPatch, expectedStatus *QueueTaskStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.RunID != runID || t.StateName != stateName {
			continue
		}
		if t.Status == TaskCompleted {
			continue
		}
		if expectedStatus != nil && t.Status != *expectedStatus {
			return 0, nil
		}
		if patch.Status != nil && !ValidQueueTransition(t.Status, *patch.Status) {
			return 0, ErrInvalidStatusTransition
		}
		applyQueueTaskPatch(t, patch)
		return 1, nil
	}
	return 0, nil
}

func (m *MemStore) FindTasksToRetry(_ context.Context, before time.Time, limit int) ([]*QueueTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*QueueTask, 0)
	for _, t := range m.tasks {
		if t.Status == TaskRetrying && t.NextRetryAt != nil && !t.NextRetryAt.After(before) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].NextRetryAt.Before(*matched[j].NextRetryAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemStore) DeleteQueueTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, taskID)
	return nil
}

// --- Timers ---

func (m *MemStore) CreateTimer(_ context.Context, t *Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.TimerID == "" {
		t.TimerID = uuid.NewString()
	}
	cp := *t
	m.timers[t.TimerID] = &cp
	return nil
}

func (m *MemStore) GetTimer(_ context.Context, timerID string) (*Timer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timers[timerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) UpdateTimer(_ context.Context, timerID string, status TimerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[timerID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *MemStore) DeleteTimer(_ context.Context, timerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[timerID]; !ok {
		return ErrNotFound
	}
	delete(m.timers, timerID)
	return nil
}

func (m *MemStore) FindTimersBefore(_ context.Context, fireAt time.Time, limit int) ([]*Timer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Timer, 0)
	for _, t := range m.timers {
		if t.Status == TimerPending && !t.FireAt.After(fireAt) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FireAt.Before(matched[j].FireAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// --- Events ---

func (m *MemStore) CreateEvent(_ context.Context, e *Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	cp := *e
	m.events[e.EventID] = &cp
	m.eventOrder = append(m.eventOrder, e.EventID)
	return e.EventID, nil
}

func (m *MemStore) FindEventsByRunID(_ context.Context, runID string, limit, offset int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Event, 0)
	for _, id := range m.eventOrder {
		e := m.events[id]
		if e != nil && e.RunID == runID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func (m *MemStore) PendingEvents(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Event, 0)
	for _, id := range m.eventOrder {
		e := m.events[id]
		if e != nil && e.EmittedAt == nil {
			cp := *e
			matched = append(matched, &cp)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

func (m *MemStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range eventIDs {
		if e, ok := m.events[id]; ok {
			e.EmittedAt = &now
		}
	}
	return nil
}

func (m *MemStore) ArchiveEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.Archived = true
	return nil
}

func (m *MemStore) DeleteEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return ErrNotFound
	}
	delete(m.events, eventID)
	return nil
}

// --- Templates ---

func (m *MemStore) CreateTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[t.TemplateID]; exists {
		return ErrConflict
	}
	cp := *t
	m.templates[t.TemplateID] = &cp
	return nil
}

func (m *MemStore) GetTemplate(_ context.Context, templateID string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[templateID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) UpdateTemplate(_ context.Context, templateID string, definition []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	if !ok {
		return ErrNotFound
	}
	t.Definition = definition
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) DeleteTemplate(_ context.Context, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[templateID]; !ok {
		return ErrNotFound
	}
	delete(m.templates, templateID)
	return nil
}

func (m *MemStore) FindTemplates(_ context.Context, limit, offset int) ([]*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Template, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].TemplateID < matched[j].TemplateID })
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}
