package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over a single Redis list, using RPUSH/BLPOP so
// every worker connected to the same key competes fairly for the next
// message (Redis lists pop in FIFO order; BLPOP blocks rather than
// busy-polling).
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("broker: rpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) BlockingPop(ctx context.Context, timeout time.Duration) (Message, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrTimeout
	}
	if err != nil {
		return Message{}, fmt.Errorf("broker: blpop: %w", err)
	}
	// BLPOP returns [key, value]; the payload is the second element.
	if len(result) != 2 {
		return Message{}, fmt.Errorf("broker: unexpected blpop reply shape: %v", result)
	}
	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return Message{}, fmt.Errorf("broker: unmarshal message: %w", err)
	}
	return msg, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
