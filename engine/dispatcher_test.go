package engine

import (
	"context"
	"testing"

	"github.com/dshills/stateflow/emit"
	"github.com/dshills/stateflow/store"
)

func TestDispatcherImmediateMode(t *testing.T) {
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	d := NewDispatcher(emitter, st, DispatchImmediate, 0)
	ctx := context.Background()

	if err := d.Dispatch(ctx, "run-1", "NodeEnter", "A", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Emitted right away.
	history := emitter.GetHistory("run-1")
	if len(history) != 1 || history[0].Kind != "NodeEnter" || history[0].StateName != "A" {
		t.Fatalf("history = %+v", history)
	}

	// Durably recorded and marked emitted.
	rows, err := st.FindEventsByRunID(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("find events: %v", err)
	}
	if len(rows) != 1 || rows[0].EmittedAt == nil {
		t.Fatalf("outbox row = %+v", rows)
	}
}

func TestDispatcherBatchedModeFlushesOnSize(t *testing.T) {
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	d := NewDispatcher(emitter, st, DispatchBatched, 3)
	ctx := context.Background()

	for _, kind := range []string{"NodeEnter", "NodeExit"} {
		if err := d.Dispatch(ctx, "run-1", kind, "A", nil); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	// Below the batch size: recorded but not yet emitted.
	if got := len(emitter.GetHistory("run-1")); got != 0 {
		t.Fatalf("emitted %d events before flush threshold", got)
	}
	pending, _ := st.PendingEvents(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	// Third event hits the threshold and flushes everything.
	if err := d.Dispatch(ctx, "run-1", "WorkflowFinished", "A", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := len(emitter.GetHistory("run-1")); got != 3 {
		t.Fatalf("emitted = %d, want 3 after flush", got)
	}
	pending, _ = st.PendingEvents(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending = %d after flush, want 0", len(pending))
	}
}

func TestDispatcherManualFlush(t *testing.T) {
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	d := NewDispatcher(emitter, st, DispatchBatched, 100)
	ctx := context.Background()

	_ = d.Dispatch(ctx, "run-1", "NodeEnter", "A", nil)
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(emitter.GetHistory("run-1")); got != 1 {
		t.Fatalf("emitted = %d, want 1", got)
	}

	// Flushing with nothing pending is safe.
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
}

// Events a crashed batched dispatcher recorded but never emitted are
// re-emitted once at startup.
func TestDispatcherReplayPending(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	// Simulate a crash: rows exist with no emitted_at.
	for _, kind := range []string{"NodeEnter", "NodeExit"} {
		if _, err := st.CreateEvent(ctx, &store.Event{RunID: "crashed", Kind: kind, StateName: "A"}); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	emitter := emit.NewBufferedEmitter()
	d := NewDispatcher(emitter, st, DispatchBatched, 10)
	if err := d.ReplayPending(ctx, 100); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}

	if got := len(emitter.GetHistory("crashed")); got != 2 {
		t.Fatalf("replayed = %d, want 2", got)
	}
	pending, _ := st.PendingEvents(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending = %d after replay, want 0", len(pending))
	}

	// A second replay finds nothing: no double emission.
	if err := d.ReplayPending(ctx, 100); err != nil {
		t.Fatalf("second ReplayPending: %v", err)
	}
	if got := len(emitter.GetHistory("crashed")); got != 2 {
		t.Fatalf("double-emitted: %d events", got)
	}
}
