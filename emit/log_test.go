package emit

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogEmitterTextOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		Phase:      "task_locked",
		Msg:        "acquired row lock",
		Meta:       map[string]any{"version": 3},
	})

	out := buf.String()
	for _, want := range []string{"wf-1", "task-1", "task_locked", "acquired row lock", "version"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestLogEmitterJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{WorkflowID: "wf-1", TaskID: "task-1", Phase: "propagation_complete"})

	out := buf.String()
	if !strings.Contains(out, `"workflowID":"wf-1"`) {
		t.Fatalf("expected JSON field workflowID, got: %s", out)
	}
}

func TestNullEmitterDiscardsEvents(t *testing.T) {
	var n NullEmitter
	n.Emit(Event{Phase: "anything"})
	if err := n.EmitBatch(nil, []Event{{Phase: "a"}, {Phase: "b"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := n.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
