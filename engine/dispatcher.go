package engine

import (
	"context"
	"sync"

	"github.com/dshills/stateflow/emit"
	"github.com/dshills/stateflow/store"
)

// DispatchMode selects how the Event Dispatcher hands events to its
// Emitter.
type DispatchMode string

const (
	// DispatchImmediate emits each event as soon as it is durably
	// recorded. Lowest latency, one outbox write per event.
	DispatchImmediate DispatchMode = "immediate"
	// DispatchBatched accumulates events and flushes them together,
	// trading latency for fewer round-trips to the Emitter backend.
	DispatchBatched DispatchMode = "batched"
)

// Dispatcher is the Event Dispatcher & Hooks component: every EngineEvent
// the engine produces is first written to the transactional outbox
// (store.EventStore) and only then handed to the configured emit.Emitter,
// so a crash between the two never loses or duplicates an event visibly
// to storage.
type Dispatcher struct {
	mu        sync.Mutex
	emitter   emit.Emitter
	events    store.EventStore
	mode      DispatchMode
	batchSize int
	pending   []emit.Event
	pendingID []string
}

// NewDispatcher wires an Emitter and the durable event outbox together.
// batchSize is ignored in DispatchImmediate mode.
func NewDispatcher(emitter emit.Emitter, events store.EventStore, mode DispatchMode, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Dispatcher{emitter: emitter, events: events, mode: mode, batchSize: batchSize}
}

// Dispatch records one EngineEvent to the outbox and emits
// it per the configured mode.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, kind, stateName string, meta map[string]interface{}) error {
	ev := &store.Event{RunID: runID, Kind: kind, StateName: stateName, Meta: meta}
	id, err := d.events.CreateEvent(ctx, ev)
	if err != nil {
		return err
	}

	out := emit.Event{RunID: runID, Kind: kind, StateName: stateName, Meta: toEmitMeta(meta)}

	if d.mode == DispatchImmediate {
		d.emitter.Emit(out)
		return d.events.MarkEventsEmitted(ctx, []string{id})
	}

	d.mu.Lock()
	d.pending = append(d.pending, out)
	d.pendingID = append(d.pendingID, id)
	shouldFlush := len(d.pending) >= d.batchSize
	d.mu.Unlock()

	if shouldFlush {
		return d.Flush(ctx)
	}
	return nil
}

// Flush emits every batched event and marks it delivered in the outbox.
// Safe to call with nothing pending.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	events := d.pending
	ids := d.pendingID
	d.pending = nil
	d.pendingID = nil
	d.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	if err := d.emitter.EmitBatch(ctx, events); err != nil {
		return err
	}
	return d.events.MarkEventsEmitted(ctx, ids)
}

// ReplayPending re-emits events the outbox recorded but that were never
// marked emitted (a batched dispatcher crashed mid-flush). Call once at
// orchestrator startup before any engine is restored.
func (d *Dispatcher) ReplayPending(ctx context.Context, limit int) error {
	rows, err := d.events.PendingEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	events := make([]emit.Event, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		events = append(events, emit.Event{RunID: row.RunID, Kind: row.Kind, StateName: row.StateName, Meta: toEmitMeta(row.Meta)})
		ids = append(ids, row.EventID)
	}
	if err := d.emitter.EmitBatch(ctx, events); err != nil {
		return err
	}
	return d.events.MarkEventsEmitted(ctx, ids)
}
