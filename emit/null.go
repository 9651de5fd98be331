package emit

import "context"

// NullEmitter implements Emitter by discarding all events.
// This is a no-op emitter for deployments where event logging is not
// desired, and for tests where event capture is not needed. It
// implements the Emitter interface but does nothing with emitted
// events.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
// Returns a NullEmitter that discards all events without any
// processing. Safe for concurrent use with zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}

// EmitBatch discards every event without any processing.
func (n *NullEmitter) EmitBatch(_ context.Context, _ []Event) error {
	return nil
}

// Flush is a no-op; there is never anything buffered.
func (n *NullEmitter) Flush(_ context.Context) error {
	return nil
}
