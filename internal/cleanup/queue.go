package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Task asks the worker to drop everything the identity projection scopes to NodeIDs.
type Task struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	NodeIDs  []string  `json:"node_ids"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// Lease is a popped task that stays in flight until acknowledged.
type Lease struct {
	Task Task
	raw  string
}

// Queue is a reliable work queue: a popped task is kept until Ack, and Recover puts
// unacknowledged tasks back.
type Queue interface {
	Push(ctx context.Context, t Task) error
	// Pop waits up to wait for a task and returns nil when none arrived.
	Pop(ctx context.Context, wait time.Duration) (*Lease, error)
	Ack(ctx context.Context, l *Lease) error
	Recover(ctx context.Context) (int, error)
}

var errMalformedTask = errors.New("cleanup: malformed task")

// RedisQueue keeps pending tasks in a list and moves each popped task to a per-consumer
// processing list, so a crashed consumer finds its tasks again on Recover.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

func NewRedisQueue(client *redis.Client, key, consumer string) *RedisQueue {
	return &RedisQueue{client: client, key: key, processing: key + ":processing:" + consumer}
}

func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("cleanup: lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, wait time.Duration) (*Lease, error) {
	if wait < time.Second {
		wait = time.Second
	}
	raw, err := q.client.BRPopLPush(ctx, q.key, q.processing, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cleanup: brpoplpush %s: %w", q.key, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, fmt.Errorf("%w: %v", errMalformedTask, err)
	}
	return &Lease{Task: t, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, l *Lease) error {
	if err := q.client.LRem(ctx, q.processing, 1, l.raw).Err(); err != nil {
		return fmt.Errorf("cleanup: ack %s: %w", l.Task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.key).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("cleanup: recover %s: %w", q.processing, err)
		}
		n++
	}
}

// Len reports how many tasks wait to be popped.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// MemoryQueue is the in-process queue used with memory storage.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []Task
	inflight map[string]Task
	ready    chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]Task), ready: make(chan struct{}, 1)}
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Push(_ context.Context, t Task) error {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, wait time.Duration) (*Lease, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.inflight[t.ID] = t
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return &Lease{Task: t}, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, l *Lease) error {
	q.mu.Lock()
	delete(q.inflight, l.Task.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	back := make([]Task, 0, len(q.inflight))
	for id, t := range q.inflight {
		back = append(back, t)
		delete(q.inflight, id)
	}
	q.items = append(back, q.items...)
	n := len(q.items)
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return len(back), nil
}

// Len reports how many tasks wait to be popped.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
