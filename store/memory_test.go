package store

import (
	"context"
	"errors"
	"testing"

	"github.com/taskflowhq/taskengine/task"
)

func TestMemGatewayCreateAndLock(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)
	id, err := gw.CreateTask(ctx, task.TaskDefinition{Assignee: "Agent:Echo", InputData: map[string]any{"msg": "hi"}}, "wf-1")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tx, err := gw.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	got, err := gw.GetTaskAndLock(ctx, tx, id)
	if err != nil {
		t.Fatalf("GetTaskAndLock: %v", err)
	}
	if got.Status != task.StatusPending || got.Version != 1 {
		t.Fatalf("unexpected task state: %+v", got)
	}

	tx2, _ := gw.BeginTx(ctx)
	if _, err := gw.GetTaskAndLock(ctx, tx2, id); !errors.Is(err, ErrLockMiss) {
		t.Fatalf("expected ErrLockMiss while locked, got %v", err)
	}
	tx2.Commit(ctx)

	tx.Commit(ctx)

	tx3, _ := gw.BeginTx(ctx)
	if _, err := gw.GetTaskAndLock(ctx, tx3, id); err != nil {
		t.Fatalf("expected lock available after release, got %v", err)
	}
	tx3.Commit(ctx)
}

func TestMemGatewayUpdateTaskVersioning(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)
	id, _ := gw.CreateTask(ctx, task.TaskDefinition{Assignee: "Tool:noop"}, "wf-1")

	running := task.StatusRunning
	newVersion, err := gw.UpdateTask(ctx, nil, id, task.Patch{Status: &running}, 1)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if newVersion != 2 {
		t.Fatalf("expected version 2, got %d", newVersion)
	}

	if _, err := gw.UpdateTask(ctx, nil, id, task.Patch{Status: &running}, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale CAS, got %v", err)
	}

	hist, err := gw.GetTaskHistory(ctx, id)
	if err != nil {
		t.Fatalf("GetTaskHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows (create + update), got %d", len(hist))
	}
	for i, h := range hist {
		if h.VersionNumber != i+1 {
			t.Errorf("history row %d has version %d, want %d", i, h.VersionNumber, i+1)
		}
	}
}

func TestMemGatewayApplyBlueprintAllOrNothing(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)

	bp := task.PlanBlueprint{
		NewTasks: []task.TaskDefinition{
			{LocalID: "R", Assignee: "Tool:read"},
			{LocalID: "W", Assignee: "Tool:write"},
		},
		NewEdges: []task.EdgeDefinition{
			{Source: "R", Target: "W", Condition: &task.Condition{Expression: "result.success == true"}},
		},
	}
	commit, err := gw.ApplyBlueprint(ctx, "wf-1", bp)
	if err != nil {
		t.Fatalf("ApplyBlueprint: %v", err)
	}
	if len(commit.LocalToUUID) != 2 {
		t.Fatalf("expected 2 mapped ids, got %d", len(commit.LocalToUUID))
	}

	rUUID := commit.LocalToUUID["R"]
	edges, err := gw.GetOutgoingEdges(ctx, nil, rUUID)
	if err != nil {
		t.Fatalf("GetOutgoingEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetTaskID != commit.LocalToUUID["W"] {
		t.Fatalf("unexpected edges: %+v", edges)
	}
}

func TestMemGatewayApplyBlueprintRejectsUnresolvedRef(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)

	bp := task.PlanBlueprint{
		NewTasks: []task.TaskDefinition{{LocalID: "R", Assignee: "Tool:read"}},
		NewEdges: []task.EdgeDefinition{{Source: "R", Target: "ghost"}},
	}
	if _, err := gw.ApplyBlueprint(ctx, "wf-1", bp); !errors.Is(err, ErrBlueprintInvalid) {
		t.Fatalf("expected ErrBlueprintInvalid, got %v", err)
	}

	// Nothing should have been persisted: R must not exist as a dangling
	// orphan task from the rejected blueprint.
	if n := len(gw.tasks); n != 0 {
		t.Fatalf("expected no tasks persisted for rejected blueprint, got %d", n)
	}
}

func TestMemGatewayApplyBlueprintRejectsCycle(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)

	bp := task.PlanBlueprint{
		NewTasks: []task.TaskDefinition{
			{LocalID: "A", Assignee: "Tool:a"},
			{LocalID: "B", Assignee: "Tool:b"},
		},
		NewEdges: []task.EdgeDefinition{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "A"},
		},
	}
	if _, err := gw.ApplyBlueprint(ctx, "wf-1", bp); !errors.Is(err, ErrBlueprintInvalid) {
		t.Fatalf("expected ErrBlueprintInvalid for cyclic blueprint, got %v", err)
	}

	// All-or-nothing: neither A nor B should have been persisted.
	if n := len(gw.tasks); n != 0 {
		t.Fatalf("expected no tasks persisted for rejected cyclic blueprint, got %d", n)
	}
}

func TestMemGatewayUpdateTaskContextMergesWithoutStatusChange(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)
	id, _ := gw.CreateTask(ctx, task.TaskDefinition{Assignee: "Agent:Weather"}, "wf-1")

	running := task.StatusRunning
	if _, err := gw.UpdateTask(ctx, nil, id, task.Patch{Status: &running}, 1); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	newVersion, err := gw.UpdateTaskContext(ctx, nil, id, map[string]any{"last_tool_result": map[string]any{"temperature": 25.0}}, 2)
	if err != nil {
		t.Fatalf("UpdateTaskContext: %v", err)
	}
	if newVersion != 3 {
		t.Fatalf("expected version 3, got %d", newVersion)
	}

	hist, _ := gw.GetTaskHistory(ctx, id)
	last := hist[len(hist)-1]
	if last.Snapshot.Status != task.StatusRunning {
		t.Fatalf("expected UpdateTaskContext to leave status untouched, got %v", last.Snapshot.Status)
	}
	result := last.Snapshot.Result["last_tool_result"].(map[string]any)
	if result["temperature"] != 25.0 {
		t.Fatalf("expected merged tool result, got %v", result)
	}
}

func TestMemChangeFeedDeliversEventsInOrder(t *testing.T) {
	ctx := context.Background()
	gw := NewMemGateway(16)
	feed := NewMemChangeFeed(gw)

	id, err := gw.CreateTask(ctx, task.TaskDefinition{Assignee: "Tool:noop"}, "wf-1")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	evt, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Channel != ChannelTaskCreated || evt.TaskID != id {
		t.Fatalf("unexpected first event: %+v", evt)
	}
}
