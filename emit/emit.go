// Package emit provides event emission and observability for the engine:
// task lifecycle transitions, dispatch activity, and bridge/broker health,
// routed through a pluggable Emitter so the same call sites work whether
// the backend is a log stream, OpenTelemetry, or nothing at all.
package emit

import "context"

// Event is a single observability event. Unlike a workflow-step trace, an
// engine Event is keyed by task/workflow identity rather than a run/step
// pair, since tasks progress independently within a workflow's graph.
type Event struct {
	WorkflowID string
	TaskID     string

	// Phase names the lifecycle point being reported, e.g.
	// "task_locked", "agent_dispatch", "propagation_complete",
	// "bridge_reconnect_failed".
	Phase string

	Msg  string
	Meta map[string]any
}

// Emitter receives observability events produced while processing tasks.
// Implementations must not block task processing and must not panic.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// NullEmitter discards every event. Useful as a safe default and in tests
// that don't assert on observability output.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                             {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error              { return nil }
