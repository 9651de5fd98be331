package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
// Supports two output modes:
// - Text mode (default): Human-readable format with key=value pairs.
// - JSON mode: Machine-readable JSON format, one event per line.
// Example text output:
// [NodeEnter] runID=run-001 state=FetchOrder.
// Example JSON output:
// {"runID":"run-001","kind":"NodeEnter","state":"FetchOrder","meta":null}.
// Usage:
// // Text output to stdout.
// emitter := emit.NewLogEmitter(os.Stdout, false).
// // JSON output to file.
// f, _ := os.Create("events.jsonl").
// defer func() { _ = f.Close() }().
// emitter := emit.NewLogEmitter(f, true).
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
// Parameters:
// - writer: Where to write the log output (e.g., os.Stdout, file).
// - jsonMode: If true, emit JSON format; if false, emit text format.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
// Format depends on jsonMode:
// - JSON mode: Writes event as single-line JSON object.
// - Text mode: Writes human-readable format with [kind] prefix.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

// emitJSON writes event as JSON to the writer.
func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID     string                 `json:"runID"`
		Kind      string                 `json:"kind"`
		StateName string                 `json:"state"`
		Meta      map[string]interface{} `json:"meta"`
	}{
		RunID:     event.RunID,
		Kind:      event.Kind,
		StateName: event.StateName,
		Meta:      event.Meta,
	})
	if err != nil {
		// Fallback to error message if marshal fails.
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	// Write JSON followed by newline (JSONL format).
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

// emitText writes event as human-readable text to the writer.
func (l *LogEmitter) emitText(event Event) {
	// Format: [kind] runID=xxx state=yyy [meta=...].
	_, _ = fmt.Fprintf(l.writer, "[%s] runID=%s state=%s",
		event.Kind, event.RunID, event.StateName)

	if len(event.Meta) > 0 {
		// Try to marshal meta as JSON for readability.
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes multiple events in order, formatting and writing
// each one exactly as Emit does. In JSON mode events are written as
// JSONL (one per line) for easy parsing; in text mode they use the same
// [kind] format as Emit. Write errors are ignored: it always attempts
// every event and always returns nil.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if l.jsonMode {
		for _, event := range events {
			l.emitJSON(event)
		}
	} else {
		for _, event := range events {
			l.emitText(event)
		}
	}

	return nil
}

// Flush ensures all buffered events are sent to the backend.
// For LogEmitter this is a no-op: all writes go directly to the
// underlying io.Writer, which handles its own buffering (e.g.
// os.Stdout, bufio.Writer). If you need flush control, wrap the writer
// with bufio.Writer and call Flush on it directly.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
