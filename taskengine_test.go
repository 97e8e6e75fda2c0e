package taskengine

import (
	"context"
	"testing"
	"time"

	"github.com/taskflowhq/taskengine/bridge"
	"github.com/taskflowhq/taskengine/broker"
	"github.com/taskflowhq/taskengine/runtime"
	"github.com/taskflowhq/taskengine/store"
	"github.com/taskflowhq/taskengine/task"
)

func newTestEngine(t *testing.T, gw *store.MemGateway, q *broker.MemQueue, agents *runtime.MockAgentRuntime, tools *runtime.MockToolRuntime, registry runtime.CapabilityRegistry, opts ...Option) *Engine {
	t.Helper()
	factory := func(ctx context.Context) (store.ChangeFeed, error) {
		return store.NewMemChangeFeed(gw), nil
	}
	br := bridge.New(factory, q, nil, bridge.Config{})
	e, err := New(gw, q, br, agents, tools, registry, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestNewValidatesOptionsEagerly(t *testing.T) {
	gw := store.NewMemGateway(16)
	q := broker.NewMemQueue(16)
	factory := func(ctx context.Context) (store.ChangeFeed, error) { return store.NewMemChangeFeed(gw), nil }
	br := bridge.New(factory, q, nil, bridge.Config{})

	_, err := New(gw, q, br, &runtime.MockAgentRuntime{}, &runtime.MockToolRuntime{}, runtime.NewStaticCapabilityRegistry(nil), WithWorkers(0))
	if err == nil {
		t.Fatal("expected error for WithWorkers(0)")
	}
}

func TestRunFailsFastOnMissingCollaborator(t *testing.T) {
	e := &Engine{}
	err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected validation error")
	}
	engErr, ok := err.(*EngineError)
	if !ok || engErr.Code != CodeMissingGateway {
		t.Fatalf("err = %v, want EngineError{MISSING_GATEWAY}", err)
	}
}

func TestEngineDrainsTaskEndToEndThroughBridgeAndDispatcher(t *testing.T) {
	gw := store.NewMemGateway(16)
	q := broker.NewMemQueue(16)
	registry := runtime.NewStaticCapabilityRegistry(map[string]runtime.Role{})
	tools := &runtime.MockToolRuntime{
		Results: []task.ToolResult{{Status: task.ToolSuccess, Output: map[string]any{"ok": true}}},
	}
	agents := &runtime.MockAgentRuntime{}

	e := newTestEngine(t, gw, q, agents, tools, registry, WithWorkers(2), WithShutdownGrace(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	taskID, err := gw.CreateTask(context.Background(), task.TaskDefinition{
		LocalID:  "t1",
		Assignee: "Tool:direct",
	}, "wf-1")
	if err != nil {
		t.Fatalf("CreateTask error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var final task.Task
	for time.Now().Before(deadline) {
		tx, err := gw.BeginTx(context.Background())
		if err != nil {
			t.Fatalf("BeginTx error = %v", err)
		}
		got, err := gw.GetTaskAndLock(context.Background(), tx, taskID)
		if err == nil {
			final = got
			_ = tx.Commit(context.Background())
			if final.Status == task.StatusCompleted {
				break
			}
		} else {
			_ = tx.Rollback(context.Background())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if final.Status != task.StatusCompleted {
		t.Fatalf("task status = %v, want COMPLETED", final.Status)
	}
	if len(tools.Calls()) != 1 {
		t.Fatalf("tool invocations = %d, want 1", len(tools.Calls()))
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
