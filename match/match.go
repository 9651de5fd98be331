// Package match implements the Match Service: pairing
// ready tasks with waiting workers via a memory-fast path backed by a
// durable store, composed behind a single Service interface so the
// Task handler and worker-facing gateway never need to know which
// implementation is wired in.
package match

import (
	"context"
	"time"

	"github.com/dshills/stateflow/store"
)

// Service is the interface every Match Service implementation
// satisfies.
type Service interface {
	// Enqueue admits task into queue and returns its task_id.
	Enqueue(ctx context.Context, queue string, task *store.QueueTask) (string, error)
	// Take returns the next ready task for queue, blocking up to timeout
	// for one to arrive. A nil result with a nil error means the
	// deadline passed with nothing available.
	Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*store.QueueTask, error)
	// Finish records a worker's terminal report (succeeded or failed)
	// against (runID, stateName)'s QueueTask row.
	Finish(ctx context.Context, runID, stateName string, patch store.QueueTaskPatch) error
	// Stats reports coarse queue depth, used by metrics and /healthz.
	Stats(ctx context.Context, queue string) (Stats, error)
}

// Stats is the Match Service's point-in-time view of one queue.
type Stats struct {
	Pending    int
	Processing int
}

// RetryPolicy mirrors engine.RetryPolicy without importing the
// engine package, so match has no dependency on the state-machine layer.
type RetryPolicy struct {
	BaseDelayMS int
	Multiplier  float64
	MaxDelayMS  int
	MaxAttempts int
}

// DefaultRetryPolicy is the spec-fixed default.
var DefaultRetryPolicy = RetryPolicy{BaseDelayMS: 5000, Multiplier: 2, MaxDelayMS: 30000, MaxAttempts: 3}

// NextRetryDelay computes base*multiplier^attempts capped at max.
func (p RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	delay := float64(p.BaseDelayMS)
	for i := 0; i < attempts; i++ {
		delay *= p.Multiplier
	}
	if delay > float64(p.MaxDelayMS) {
		delay = float64(p.MaxDelayMS)
	}
	return time.Duration(delay) * time.Millisecond
}
