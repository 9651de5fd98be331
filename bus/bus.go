// Package bus implements the Event Bus contract: at
// least one channel for EngineEvent observability fan-out, and a
// publish/subscribe pair of TaskReady/TaskFinished for the event-driven
// Match Service variant.
package bus

import "context"

// TaskFinished is what an external worker publishes on completion; it
// mirrors the UPDATE wire message but travels over the bus instead of
// the worker-facing HTTP gateway.
type TaskFinished struct {
	RunID      string
	StateName  string
	TaskID     string
	Status     string // "SUCCEEDED" | "FAILED"
	Result     interface{}
	DurationMS int64
}

// EngineEventMsg is the bus payload for one lifecycle EngineEvent
// , used for the observability channel.
type EngineEventMsg struct {
	RunID     string
	Kind      string
	StateName string
	Meta      map[string]interface{}
}

// Bus is the full contract the orchestrator depends on:
// "at-least-once delivery and per-publisher FIFO" are guarantees the
// concrete implementation must uphold, not something this interface
// can enforce structurally.
type Bus interface {
	PublishEngineEvent(ctx context.Context, ev EngineEventMsg) error
	PublishTaskReady(ctx context.Context, queue string, taskID string) error
	PublishTaskFinished(ctx context.Context, msg TaskFinished) error
	SubscribeTaskFinished(ctx context.Context, handler func(TaskFinished)) (Subscription, error)
	Close() error
}

// Subscription is the handle returned by Subscribe*, used to stop
// receiving without tearing down the whole Bus.
type Subscription interface {
	Unsubscribe() error
}
