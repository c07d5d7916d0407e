package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"qazna.org/tenancy/internal/events"
	"qazna.org/tenancy/internal/retry"
)

// eventWatcher follows the customer topic through a consumer group of its own and remembers
// which ops it saw per entity.
type eventWatcher struct {
	client  *redis.Client
	sub     *events.Subscriber
	handler events.Handler

	mu   sync.Mutex
	seen map[string][]events.Op
}

func newEventWatcher(ctx context.Context, redisURL, prefix string) (*eventWatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	group := "smoke-" + uuid.NewString()
	sub, err := events.NewSubscriber(client, group, "smoke", events.Topic(prefix, events.NamespaceCustomer))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := sub.EnsureGroups(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	w := &eventWatcher{client: client, sub: sub, seen: make(map[string][]events.Op)}
	w.handler = events.NewDeduper(client, group+":", time.Hour).Wrap(w.record)
	return w, nil
}

func (w *eventWatcher) record(_ context.Context, ev events.MutationEvent) error {
	w.mu.Lock()
	w.seen[ev.EntityID] = append(w.seen[ev.EntityID], ev.Op)
	w.mu.Unlock()
	return nil
}

func (w *eventWatcher) ops(id string) []events.Op {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]events.Op(nil), w.seen[id]...)
}

// await reads the topic until an op event for id arrived or ctx ends.
func (w *eventWatcher) await(ctx context.Context, id string, op events.Op) error {
	for {
		if _, err := w.sub.Poll(ctx, w.handler); err != nil {
			return err
		}
		for _, got := range w.ops(id) {
			if got == op {
				return nil
			}
		}
		if err := retry.Sleep(ctx, 200*time.Millisecond); err != nil {
			return fmt.Errorf("no %s event for %s (saw %v): %w", op, id, w.ops(id), err)
		}
	}
}

func (w *eventWatcher) close() { _ = w.client.Close() }
