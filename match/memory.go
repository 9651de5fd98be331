package match

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dshills/stateflow/store"
)

// memItem is one queued task with its heap sequence, used so equal
// priority ties break FIFO.
type memItem struct {
	task *store.QueueTask
	seq  int64
}

type priorityQueue []memItem

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority // higher priority first
	}
	return q[i].seq < q[j].seq // FIFO within a priority bucket
}
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(memItem)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Memory is the in-process Match Service implementation: O(log n)
// enqueue and take on a priority heap, FIFO within a priority bucket, waiting workers rendezvous on
// a condition variable so a handoff never traverses the queue.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*priorityQueue
	byTask map[string]*store.QueueTask
	byRun  map[string]*store.QueueTask // key: runID+"\x00"+stateName
	seq    int64
	closed bool
}

// NewMemory returns an empty Memory match service.
func NewMemory() *Memory {
	m := &Memory{
		queues: make(map[string]*priorityQueue),
		byTask: make(map[string]*store.QueueTask),
		byRun:  make(map[string]*store.QueueTask),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func runKey(runID, stateName string) string { return runID + "\x00" + stateName }

func (m *Memory) queueFor(name string) *priorityQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &priorityQueue{}
		heap.Init(q)
		m.queues[name] = q
	}
	return q
}

// Enqueue admits task directly into the memory queue. Hybrid is
// responsible for writing the durable row first and stamping task_id
// before mirroring here; Memory used standalone assigns the caller's
// TaskID verbatim.
func (m *Memory) Enqueue(ctx context.Context, queue string, task *store.QueueTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.Status == "" {
		task.Status = store.TaskPending
	}
	if task.QueuedAt.IsZero() {
		task.QueuedAt = time.Now().UTC()
	}
	q := m.queueFor(queue)
	m.seq++
	heap.Push(q, memItem{task: task, seq: m.seq})
	m.byTask[task.TaskID] = task
	m.byRun[runKey(task.RunID, task.StateName)] = task
	m.cond.Broadcast()
	return task.TaskID, nil
}

// MirrorTaken inserts a task that Hybrid already popped from the
// durable store directly in the "processing" state, without going
// through the pending queue (used when the durable fallback races a
// memory Take and wins).
func (m *Memory) MirrorTaken(task *store.QueueTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTask[task.TaskID] = task
	m.byRun[runKey(task.RunID, task.StateName)] = task
}

// Take blocks until a task is available in queue or timeout elapses.
func (m *Memory) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*store.QueueTask, error) {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		q := m.queueFor(queue)
		if q.Len() > 0 {
			item := heap.Pop(q).(memItem)
			item.task.Status = store.TaskProcessing
			item.task.WorkerID = workerID
			now := time.Now().UTC()
			item.task.ProcessingAt = &now
			return item.task, nil
		}
		if m.closed {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		waitOnCond(m.cond, remaining)
	}
}

// waitOnCond blocks on cond for at most d, a bounded variant of
// sync.Cond.Wait implemented with a timer goroutine since the stdlib
// condition variable has no timed wait.
func waitOnCond(cond *sync.Cond, d time.Duration) {
	woke := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	go func() {
		cond.Wait()
		close(woke)
	}()
	<-woke
	timer.Stop()
}

// Finish updates the shadow row for (runID, stateName); Memory is a
// best-effort cache, so a miss here is not an error.
func (m *Memory) Finish(ctx context.Context, runID, stateName string, patch store.QueueTaskPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byRun[runKey(runID, stateName)]
	if !ok {
		return nil
	}
	applyPatch(t, patch)
	if t.Status == store.TaskCompleted || t.Status == store.TaskFailed {
		delete(m.byRun, runKey(runID, stateName))
		delete(m.byTask, t.TaskID)
	}
	return nil
}

func (m *Memory) Stats(ctx context.Context, queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueFor(queue)
	processing := 0
	for _, t := range m.byTask {
		if t.Status == store.TaskProcessing {
			processing++
		}
	}
	return Stats{Pending: q.Len(), Processing: processing}, nil
}

// Close unblocks every waiting Take with "no task".
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

func applyPatch(t *store.QueueTask, p store.QueueTaskPatch) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Attempts != nil {
		t.Attempts = *p.Attempts
	}
	if p.WorkerID != nil {
		t.WorkerID = *p.WorkerID
	}
	if p.ProcessingAt != nil {
		t.ProcessingAt = p.ProcessingAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		t.FailedAt = p.FailedAt
	}
	if p.NextRetryAt != nil {
		t.NextRetryAt = p.NextRetryAt
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
}
