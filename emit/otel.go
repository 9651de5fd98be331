package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
// Each event becomes a span with:
//   - Span name: event.Kind (e.g., "NodeEnter", "WorkflowFinished")
//   - Attributes: runID, state name, and all event.Meta fields
//   - Status: Set to error if event.Meta["error"] exists
//
// Supports distributed tracing by:
//   - Creating spans per lifecycle transition
//   - Recording step durations as span attributes
//   - Recording errors on the span (message only, no stack trace)
//
// Emit starts each span from context.Background(), so its spans are
// roots; EmitBatch parents its spans on the context it is given.
//
// Usage:
//
//	// Create tracer from OpenTelemetry provider
//	tracer := otel.Tracer("stateflow")
//	emitter := emit.NewOTelEmitter(tracer)
//	// Emit events that become spans
//	emitter.Emit(Event{
//	    RunID: "run-001",
//	    Kind: "NodeEnter",
//	    StateName: "FetchOrder",
//	})
//
// Integration with OpenTelemetry:
//
//	// Setup OpenTelemetry provider (application code)
//	import (
//	    "go.opentelemetry.io/otel"
//	    sdktrace "go.opentelemetry.io/otel/sdk/trace"
//	)
//	// Create trace provider with exporter (Jaeger, Zipkin, etc.)
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithBatcher(exporter),
//	)
//	otel.SetTracerProvider(tp)
//	tracer := otel.Tracer("stateflow")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
//
// Returns an OTelEmitter that creates spans for each event.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer: tracer,
	}
}

// Emit creates an OpenTelemetry span for the event.
// The span includes:
//   - Name: event.Kind (e.g., "NodeEnter", "NodeExit")
//   - Attributes: All event fields and metadata
//   - Status: Error if event contains error metadata
//
// For performance, the span is immediately ended (not left open).
// This is appropriate for events representing points in time rather
// than durations; the "duration_ms" metadata carries the measured step
// duration for NodeExit events.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Kind)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	// Set error status if present
	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// EmitBatch creates multiple spans efficiently.
// Batching provides performance benefits by:
//   - Amortizing tracer overhead across multiple spans
//   - Enabling span processor batch optimizations
//   - Maintaining temporal locality for related events
//
// All spans are created and ended immediately. They are recorded in
// the OpenTelemetry batch span processor for efficient export.
// Always returns nil.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Kind)

		o.addStandardAttributes(span, event)
		o.addMetadataAttributes(span, event.Meta)

		if err, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, err)
			span.RecordError(fmt.Errorf("%s", err))
		}

		// End span immediately (event is a point in time)
		span.End()
	}

	return nil
}

// Flush forces export of all pending spans.
// This method:
//   - Calls ForceFlush on the tracer provider if available
//   - Blocks until all spans are exported or timeout occurs
//   - Should be called before application shutdown
//   - Respects context cancellation and deadlines
//
// OpenTelemetry typically buffers spans in a batch span processor for
// efficiency. Flush ensures these buffered spans are sent to the
// backend (Jaeger, Zipkin, etc.) before the application exits.
// Returns error if flush fails or times out.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	// Check if provider supports flushing (SDK tracer provider)
	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}

	// Provider doesn't support flushing (e.g., noop provider)
	return nil
}

// addStandardAttributes adds core event fields as span attributes.
func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("stateflow.run_id", event.RunID),
		attribute.String("stateflow.event_kind", event.Kind),
		attribute.String("stateflow.state_name", event.StateName),
	)
}

// addMetadataAttributes converts event metadata to span attributes.
// Handles common types:
//   - string, int, int64, float64, bool: Direct conversion
//   - time.Duration: Convert to milliseconds
//   - Other types: Convert to string representation
//
// Well-known keys map to namespaced attribute names:
//   - duration_ms: step duration in milliseconds
//   - status: terminal status on WorkflowFinished
//   - task_id, queue: QueueTask identity on TaskReady
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := key
		switch key {
		case "duration_ms":
			attrKey = "stateflow.step.duration_ms"
		case "status":
			attrKey = "stateflow.run.status"
		case "task_id":
			attrKey = "stateflow.task.id"
		case "queue":
			attrKey = "stateflow.task.queue"
		case "parent_run_id":
			attrKey = "stateflow.parent_run_id"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			// Fallback to string representation
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
