package match

import (
	"context"
	"time"

	"github.com/dshills/stateflow/store"
)

// EventPublisher is the narrow capability Hybrid needs from an event
// bus: publish a TaskReady notification whenever a task is newly
// enqueued, so workers can subscribe instead of polling. A nil
// EventPublisher makes Hybrid a plain memory-first/persistent-fallback
// service.
type EventPublisher interface {
	PublishTaskReady(ctx context.Context, queue string, taskID string) error
}

// Hybrid composes Memory (fast path) and Persistent (durable
// fallback): enqueue always writes through to Persistent first to get
// a durable task_id, then mirrors into Memory;
// take tries Memory first and falls back to Persistent on a miss,
// mirroring whatever it finds back into Memory.
type Hybrid struct {
	mem        *Memory
	persistent *Persistent
	bus        EventPublisher
	// FallbackEnabled toggles the durable fallback on Take; disabling it
	// makes Hybrid behave like a pure Memory service that happens to
	// durably log every enqueue.
	FallbackEnabled bool
}

// NewHybrid composes mem and persistent, with fallback enabled and no
// event bus wired by default. Call WithBus to enable the event-driven
// variant.
func NewHybrid(mem *Memory, persistent *Persistent) *Hybrid {
	return &Hybrid{mem: mem, persistent: persistent, FallbackEnabled: true}
}

// WithBus attaches an EventPublisher and returns h for chaining.
func (h *Hybrid) WithBus(bus EventPublisher) *Hybrid {
	h.bus = bus
	return h
}

// Enqueue writes to Persistent first (so the task_id is durable even if
// the process crashes before mirroring), then mirrors into Memory.
func (h *Hybrid) Enqueue(ctx context.Context, queue string, task *store.QueueTask) (string, error) {
	id, err := h.persistent.Enqueue(ctx, queue, task)
	if err != nil {
		return "", err
	}
	if _, err := h.mem.Enqueue(ctx, queue, task); err != nil {
		return id, err
	}
	if h.bus != nil {
		_ = h.bus.PublishTaskReady(ctx, queue, id)
	}
	return id, nil
}

// Take tries Memory first; on a miss (and FallbackEnabled) it falls
// back to Persistent and mirrors the taken row back into Memory so a
// concurrent worker sees the same book-keeping.
func (h *Hybrid) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*store.QueueTask, error) {
	deadline := time.Now().Add(timeout)

	// Race the two paths over the remaining timeout budget: try a quick
	// memory take first without blocking the full timeout, then spend
	// the rest polling Persistent if nothing showed up.
	memBudget := timeout
	if h.FallbackEnabled && timeout > 50*time.Millisecond {
		memBudget = timeout / 4
	}

	task, err := h.mem.Take(ctx, queue, workerID, memBudget)
	if err != nil {
		return nil, err
	}
	if task != nil {
		// Stamp the durable row so storage agrees on who holds the task.
		if err := h.persistent.MarkProcessing(ctx, task.RunID, task.StateName, workerID); err != nil {
			return nil, err
		}
		return task, nil
	}
	if !h.FallbackEnabled {
		return nil, nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, nil
	}
	task, err = h.persistent.Take(ctx, queue, workerID, remaining)
	if err != nil || task == nil {
		return task, err
	}
	h.mem.MirrorTaken(task)
	return task, nil
}

// Finish must succeed against Persistent (the ground truth); Memory is
// updated best-effort.
func (h *Hybrid) Finish(ctx context.Context, runID, stateName string, patch store.QueueTaskPatch) error {
	if err := h.persistent.Finish(ctx, runID, stateName, patch); err != nil {
		return err
	}
	_ = h.mem.Finish(ctx, runID, stateName, patch)
	return nil
}

// Stats reports Persistent's view, which is authoritative.
func (h *Hybrid) Stats(ctx context.Context, queue string) (Stats, error) {
	return h.persistent.Stats(ctx, queue)
}
