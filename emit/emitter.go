// Package emit provides lifecycle-event emission and observability for
// workflow execution.
package emit

import "context"

// Emitter receives and processes engine lifecycle events.
// Emitters enable pluggable observability backends:
// - Logging: stdout, files, syslog.
// - Distributed tracing: OpenTelemetry, Jaeger, Zipkin.
// - Metrics: Prometheus, StatsD.
// - In-memory capture for tests and dashboards.
// Implementations should be:
// - Non-blocking: Avoid slowing down workflow execution.
// - Thread-safe: May be called concurrently for different runs.
// - Resilient: Handle failures gracefully (don't crash the engine).
type Emitter interface {
	// Emit sends one lifecycle event to the configured backend.
	//
	// Implementations should not block workflow execution. If the
	// backend is unavailable or slow, events should be buffered,
	// dropped with error logging, or sent asynchronously.
	//
	// Emit should not panic. Errors should be logged internally.
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation.
	//
	// Batching amortizes network round-trips and serialization overhead
	// when the dispatcher runs in batched mode. Implementations should
	// process events in order (maintain happened-before relationships
	// within a run) and handle partial failures gracefully.
	//
	// Returns error only on catastrophic failures (e.g. configuration
	// errors). Individual event failures should be logged, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events are sent to the backend.
	//
	// Call before process shutdown to prevent event loss. Must be safe
	// to call multiple times and must respect ctx cancellation.
	Flush(ctx context.Context) error
}
