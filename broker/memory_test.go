package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemQueuePushThenBlockingPop(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)
	defer q.Close()

	msg := Message{TaskID: "task-1", WorkflowID: "wf-1"}
	if err := q.Push(ctx, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("BlockingPop: %v", err)
	}
	if got.TaskID != msg.TaskID {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestMemQueueBlockingPopTimesOut(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)
	defer q.Close()

	if _, err := q.BlockingPop(ctx, 20*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMemQueueClosedUnblocksWaiters(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(4)

	done := make(chan error, 1)
	go func() {
		_, err := q.BlockingPop(ctx, 5*time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err != ErrTimeout {
			t.Fatalf("expected ErrTimeout after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockingPop did not unblock after Close")
	}
}
