package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message is one record on a topic.
type Message struct {
	ID    string
	Topic string
	Key   string
	Value []byte
}

// Broker appends messages to topics. Publish returns only after the broker accepted the message.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

const (
	fieldKey   = "key"
	fieldValue = "value"
)

// RedisBroker keeps one Redis stream per topic. A stream is totally ordered, which preserves
// per-entity order for every key on it.
type RedisBroker struct {
	client *redis.Client
	maxLen int64
}

// NewRedisBroker connects to redisURL and pings it.
func NewRedisBroker(ctx context.Context, redisURL string, maxLen int64) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("events: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: ping redis: %w", err)
	}
	return &RedisBroker{client: client, maxLen: maxLen}, nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, maxLen int64) *RedisBroker {
	return &RedisBroker{client: client, maxLen: maxLen}
}

func (b *RedisBroker) Client() *redis.Client { return b.client }

func (b *RedisBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{fieldKey: key, fieldValue: value},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: xadd %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Close() error { return b.client.Close() }

// MemoryBroker fans published messages out to in-process subscribers and keeps every message
// so late readers and tests can inspect a topic.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int
	log  map[string][]Message
	seq  int64
}

type memorySub struct {
	topic string
	ch    chan Message
	done  chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[int]*memorySub),
		log:  make(map[string][]Message),
	}
}

// Subscribe registers a subscriber for topic. The channel is closed when ctx ends.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) <-chan Message {
	ch := make(chan Message, 64)
	done := make(chan struct{})

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &memorySub{topic: topic, ch: ch, done: done}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(done)
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish records the message and hands it to every subscriber of the topic. A subscriber whose
// buffer is full is waited on until either side goes away.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	b.seq++
	msg := Message{ID: fmt.Sprintf("%d-0", b.seq), Topic: topic, Key: key, Value: append([]byte(nil), value...)}
	b.log[topic] = append(b.log[topic], msg)
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.topic != topic {
			continue
		}
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Messages returns a copy of everything published to topic, in publish order.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.log[topic]...)
}
