package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "taskflow:dispatch")
}

func TestRedisQueuePushThenBlockingPop(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	msg := Message{TaskID: "task-1", WorkflowID: "wf-1", EnqueuedAt: time.Unix(0, 0)}
	if err := q.Push(ctx, msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("BlockingPop: %v", err)
	}
	if got.TaskID != msg.TaskID || got.WorkflowID != msg.WorkflowID {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestRedisQueueBlockingPopTimesOut(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	if _, err := q.BlockingPop(ctx, 50*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRedisQueueFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, Message{TaskID: id}); err != nil {
			t.Fatalf("Push %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.BlockingPop(ctx, time.Second)
		if err != nil {
			t.Fatalf("BlockingPop: %v", err)
		}
		if got.TaskID != want {
			t.Fatalf("expected %s, got %s", want, got.TaskID)
		}
	}
}
