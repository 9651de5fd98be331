package engine

import (
	"context"
	"log"
)

// TaskFinishedEvent is the subset of bus.TaskFinished the Event Runner
// needs. Declared locally (rather than importing package bus) so
// engine has no dependency on the transport that delivers these events;
// cmd/orchestratord adapts bus.TaskFinished into this shape at the
// subscription callback.
type TaskFinishedEvent struct {
	RunID     string
	StateName string
	Status    string // "SUCCEEDED" | "FAILED"
	Result    interface{}
}

// Runner is the Event Runner: it subscribes to the event
// bus (via whatever adapter the caller wires) and funnels external
// TaskFinished completions back into the matching Engine's signal
// mailbox, then drives that engine forward.
type Runner struct {
	registry *Registry
}

// NewRunner wires a Runner against registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// HandleTaskFinished is the callback a bus subscription invokes per
// TaskFinished message. It converts the wire status into the matching
// Signal, delivers it, and advances the engine; if the engine is not
// currently resident (e.g. the process restarted) the registry restores
// it from storage before delivery. A delivery error is logged and the
// event is dropped.
func (r *Runner) HandleTaskFinished(ctx context.Context, ev TaskFinishedEvent) {
	var sig Signal
	switch ev.Status {
	case "SUCCEEDED":
		sig = Signal{Kind: SigTaskCompleted, RunID: ev.RunID, StateName: ev.StateName, Output: ev.Result}
	case "FAILED":
		errMsg, _ := ev.Result.(string)
		sig = Signal{Kind: SigTaskFailed, RunID: ev.RunID, StateName: ev.StateName, ErrMsg: errMsg}
	default:
		log.Printf("engine: runner: unknown TaskFinished status %q for run %s", ev.Status, ev.RunID)
		return
	}

	if _, err := r.registry.Deliver(ctx, ev.RunID, sig); err != nil {
		log.Printf("engine: runner: deliver signal for run %s: %v", ev.RunID, err)
	}
}
