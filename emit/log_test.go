package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogEmitter_StructuredOutput verifies LogEmitter outputs structured events to writer.
func TestLogEmitter_StructuredOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		event := Event{
			RunID:     "test-run-001",
			Kind:      "NodeEnter",
			StateName: "FetchOrder",
			Meta: map[string]interface{}{
				"key": "value",
			},
		}

		emitter.Emit(event)

		output := buf.String()
		if output == "" {
			t.Fatal("expected output, got empty string")
		}

		// Verify all fields are present in output.
		if !strings.Contains(output, "test-run-001") {
			t.Errorf("expected output to contain RunID 'test-run-001', got: %s", output)
		}
		if !strings.Contains(output, "FetchOrder") {
			t.Errorf("expected output to contain StateName 'FetchOrder', got: %s", output)
		}
		if !strings.Contains(output, "NodeEnter") {
			t.Errorf("expected output to contain Kind 'NodeEnter', got: %s", output)
		}
	})

	t.Run("emits multiple events in order", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "run-001", Kind: "NodeEnter", StateName: "A"})
		emitter.Emit(Event{RunID: "run-001", Kind: "NodeExit", StateName: "A"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		if !strings.HasPrefix(lines[0], "[NodeEnter]") {
			t.Errorf("expected first line to start with [NodeEnter], got: %s", lines[0])
		}
		if !strings.HasPrefix(lines[1], "[NodeExit]") {
			t.Errorf("expected second line to start with [NodeExit], got: %s", lines[1])
		}
	})

	t.Run("omits meta section when empty", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "run-001", Kind: "WorkflowStarted"})

		if strings.Contains(buf.String(), "meta=") {
			t.Errorf("expected no meta section, got: %s", buf.String())
		}
	})
}

// TestLogEmitter_JSONMode verifies the JSONL output shape round-trips.
func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		RunID:     "run-001",
		Kind:      "NodeExit",
		StateName: "ChargeCard",
		Meta:      map[string]interface{}{"duration_ms": float64(42)},
	})

	var decoded struct {
		RunID     string                 `json:"runID"`
		Kind      string                 `json:"kind"`
		StateName string                 `json:"state"`
		Meta      map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if decoded.RunID != "run-001" {
		t.Errorf("expected runID 'run-001', got %q", decoded.RunID)
	}
	if decoded.Kind != "NodeExit" {
		t.Errorf("expected kind 'NodeExit', got %q", decoded.Kind)
	}
	if decoded.StateName != "ChargeCard" {
		t.Errorf("expected state 'ChargeCard', got %q", decoded.StateName)
	}
	if decoded.Meta["duration_ms"] != float64(42) {
		t.Errorf("expected meta duration_ms 42, got %v", decoded.Meta["duration_ms"])
	}
}

// TestLogEmitter_EmitBatch verifies batched writes preserve event order.
func TestLogEmitter_EmitBatch(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	events := []Event{
		{RunID: "run-001", Kind: "NodeEnter", StateName: "A"},
		{RunID: "run-001", Kind: "NodeExit", StateName: "A"},
		{RunID: "run-001", Kind: "WorkflowFinished"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 JSONL lines, got %d", len(lines))
	}
	if !strings.Contains(lines[2], "WorkflowFinished") {
		t.Errorf("expected final line to carry WorkflowFinished, got: %s", lines[2])
	}
}

// TestLogEmitter_NilWriterDefaultsToStdout verifies the nil-writer fallback.
func TestLogEmitter_NilWriterDefaultsToStdout(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	if emitter.writer == nil {
		t.Fatal("expected writer to default to stdout, got nil")
	}
}

// TestNullEmitter verifies the no-op emitter satisfies the interface
// without doing anything observable.
func TestNullEmitter(t *testing.T) {
	var _ Emitter = NewNullEmitter()

	n := NewNullEmitter()
	n.Emit(Event{RunID: "run-001", Kind: "NodeEnter"})
	if err := n.EmitBatch(context.Background(), []Event{{RunID: "run-001"}}); err != nil {
		t.Errorf("EmitBatch returned error: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Errorf("Flush returned error: %v", err)
	}
}
