package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/taskflowhq/taskengine/task"
)

// Prerequisites:
// - MySQL 8+ server running (local, Docker, or cloud).
// - TEST_MYSQL_DSN environment variable set, e.g.
//   "user:password@tcp(localhost:3306)/taskengine_test?parseTime=true".
//
// To run:
//   export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/taskengine_test?parseTime=true"
//   go test -v -run TestMySQLIntegration ./store

func TestMySQLIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL integration test: set TEST_MYSQL_DSN to run")
	}

	ctx := context.Background()
	gw, err := NewMySQLGateway(ctx, MySQLConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewMySQLGateway: %v", err)
	}
	defer gw.Close()

	id, err := gw.CreateTask(ctx, task.TaskDefinition{Assignee: "Agent:Echo", InputData: map[string]any{"msg": "hi"}}, "wf-integration")
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
	if got.Status != task.StatusPending {
		t.Fatalf("unexpected status: %v", got.Status)
	}
	tx.Commit(ctx)

	running := task.StatusRunning
	if _, err := gw.UpdateTask(ctx, nil, id, task.Patch{Status: &running}, got.Version); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	hist, err := gw.GetTaskHistory(ctx, id)
	if err != nil {
		t.Fatalf("GetTaskHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}

	feed := gw.NewChangeFeed(0)
	defer feed.Close()
	evt, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("ChangeFeed.Next: %v", err)
	}
	if evt.TaskID != id {
		t.Fatalf("unexpected event: %+v", evt)
	}

	if _, err := gw.UpdateTask(ctx, nil, "does-not-exist", task.Patch{Status: &running}, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
