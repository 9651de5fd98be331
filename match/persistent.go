package match

import (
	"context"
	"time"

	"github.com/dshills/stateflow/store"
	"github.com/google/uuid"
)

// Persistent is the durable Match Service implementation: QueueTask rows
// live in storage; Take polls pending rows and atomically transitions the
// winner to processing with a stamped worker_id via the store's
// conditional UpdateByRunState.
type Persistent struct {
	store     store.QueueTaskStore
	retry     RetryPolicy
	pollEvery time.Duration
}

// NewPersistent wires a Persistent match service against st, polling
// every pollEvery for new pending rows when idle (default 100ms).
func NewPersistent(st store.QueueTaskStore, retry RetryPolicy, pollEvery time.Duration) *Persistent {
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}
	return &Persistent{store: st, retry: retry, pollEvery: pollEvery}
}

// Enqueue writes task to storage and returns its task_id, generating
// one if the caller did not already assign it.
func (p *Persistent) Enqueue(ctx context.Context, queue string, task *store.QueueTask) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = store.TaskPending
	}
	task.Queue = queue
	if task.QueuedAt.IsZero() {
		task.QueuedAt = time.Now().UTC()
	}
	if err := p.store.CreateQueueTask(ctx, task); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Take polls for a pending row in queue, transitioning the first one it
// wins the race on to processing. Polling stops and returns (nil, nil)
// once timeout elapses.
func (p *Persistent) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*store.QueueTask, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		task, err := p.tryTakeOne(ctx, queue, workerID)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Persistent) tryTakeOne(ctx context.Context, queue, workerID string) (*store.QueueTask, error) {
	candidates, err := p.store.FindQueueTasksByStatus(ctx, queue, store.TaskPending, 20, 0)
	if err != nil {
		return nil, err
	}
	// Also consider rows whose backoff has elapsed.
	retrying, err := p.store.FindTasksToRetry(ctx, time.Now().UTC(), 20)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, filterQueue(retrying, queue)...)
	sortByPriorityThenQueuedAt(candidates)

	now := time.Now().UTC()
	for _, c := range candidates {
		from := c.Status
		if from != store.TaskPending && from != store.TaskRetrying {
			continue
		}
		if !store.ValidQueueTransition(from, store.TaskProcessing) {
			continue
		}
		expected := from
		rows, err := p.store.UpdateByRunState(ctx, c.RunID, c.StateName, store.QueueTaskPatch{
			Status:       statusPtr(store.TaskProcessing),
			WorkerID:     strPtr(workerID),
			ProcessingAt: &now,
		}, &expected)
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			c.Status = store.TaskProcessing
			c.WorkerID = workerID
			c.ProcessingAt = &now
			return c, nil
		}
		// Lost the race to another worker; try the next candidate.
	}
	return nil, nil
}

// MarkProcessing stamps the durable row for a task taken elsewhere
// (the Hybrid memory fast path) so storage reflects who is working on
// it. A zero row count means another worker already won the durable
// row; with at-least-once semantics that is tolerated, not an error.
func (p *Persistent) MarkProcessing(ctx context.Context, runID, stateName, workerID string) error {
	now := time.Now().UTC()
	expected := store.TaskPending
	_, err := p.store.UpdateByRunState(ctx, runID, stateName, store.QueueTaskPatch{
		Status:       statusPtr(store.TaskProcessing),
		WorkerID:     &workerID,
		ProcessingAt: &now,
	}, &expected)
	return err
}

// Finish applies patch to the unique non-terminal row for (runID,
// stateName). On a reported failure that still has retry budget
// remaining, it schedules the exponential backoff instead.
func (p *Persistent) Finish(ctx context.Context, runID, stateName string, patch store.QueueTaskPatch) error {
	if patch.Status != nil && *patch.Status == store.TaskFailed {
		task, err := p.findByRunState(ctx, runID, stateName)
		if err == nil && task != nil && task.Attempts+1 < maxAttemptsOr(task.MaxAttempts, p.retry.MaxAttempts) {
			// Record the failure first, then schedule the retry: the
			// status DAG has no processing->retrying edge.
			if _, err := p.store.UpdateByRunState(ctx, runID, stateName, patch, nil); err != nil {
				return err
			}
			retryAt := time.Now().UTC().Add(p.retry.NextRetryDelay(task.Attempts))
			attempts := task.Attempts + 1
			_, err := p.store.UpdateByRunState(ctx, runID, stateName, store.QueueTaskPatch{
				Status:      statusPtr(store.TaskRetrying),
				Attempts:    &attempts,
				NextRetryAt: &retryAt,
				Error:       patch.Error,
			}, nil)
			return err
		}
	}
	_, err := p.store.UpdateByRunState(ctx, runID, stateName, patch, nil)
	return err
}

func (p *Persistent) findByRunState(ctx context.Context, runID, stateName string) (*store.QueueTask, error) {
	rows, err := p.store.FindQueueTasksByStatus(ctx, "", store.TaskProcessing, 1000, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.RunID == runID && r.StateName == stateName {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

// Stats reports pending/processing counts for queue.
func (p *Persistent) Stats(ctx context.Context, queue string) (Stats, error) {
	pending, err := p.store.FindQueueTasksByStatus(ctx, queue, store.TaskPending, 100000, 0)
	if err != nil {
		return Stats{}, err
	}
	processing, err := p.store.FindQueueTasksByStatus(ctx, queue, store.TaskProcessing, 100000, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: len(pending), Processing: len(processing)}, nil
}

// RunTimeoutSweep marks processing rows whose processing_at+timeout
// has elapsed as failed with reason=timeout. A caller runs this on an
// interval ticker; it is not invoked by Take/Finish.
func (p *Persistent) RunTimeoutSweep(ctx context.Context, queue string) (int, error) {
	rows, err := p.store.FindQueueTasksByStatus(ctx, queue, store.TaskProcessing, 1000, 0)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, r := range rows {
		if r.TimeoutSec <= 0 || r.ProcessingAt == nil {
			continue
		}
		if now.Sub(*r.ProcessingAt) < time.Duration(r.TimeoutSec)*time.Second {
			continue
		}
		expected := store.TaskProcessing
		rows, err := p.store.UpdateByRunState(ctx, r.RunID, r.StateName, store.QueueTaskPatch{
			Status:   statusPtr(store.TaskFailed),
			Error:    strPtr("timeout"),
			FailedAt: &now,
		}, &expected)
		if err != nil {
			return n, err
		}
		n += rows
	}
	return n, nil
}

func filterQueue(tasks []*store.QueueTask, queue string) []*store.QueueTask {
	out := make([]*store.QueueTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Queue == queue {
			out = append(out, t)
		}
	}
	return out
}

func sortByPriorityThenQueuedAt(tasks []*store.QueueTask) {
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && less(tasks[j], tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

func less(a, b *store.QueueTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func maxAttemptsOr(taskMax, policyDefault int) int {
	if taskMax > 0 {
		return taskMax
	}
	return policyDefault
}

func statusPtr(s store.QueueTaskStatus) *store.QueueTaskStatus { return &s }
func strPtr(s string) *string                                  { return &s }
