package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
)

var (
	consumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutation_events_consumed_total",
		Help: "Mutation events handled by subscribers, by result.",
	}, []string{"result"})
	duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutation_events_duplicates_total",
		Help: "Redelivered events skipped by the deduper.",
	})
)

// Handler consumes one event. Returning an error leaves the event pending for redelivery.
type Handler func(ctx context.Context, ev MutationEvent) error

// Subscriber reads topics as a member of a Redis consumer group and acknowledges each event
// once its handler succeeds.
type Subscriber struct {
	client   *redis.Client
	group    string
	consumer string
	topics   []string
	count    int64
	block    time.Duration
	log      *logrus.Entry
}

func NewSubscriber(client *redis.Client, group, consumer string, topics ...string) (*Subscriber, error) {
	if client == nil || group == "" || consumer == "" || len(topics) == 0 {
		return nil, errors.New("events: subscriber needs a client, group, consumer and topics")
	}
	return &Subscriber{
		client:   client,
		group:    group,
		consumer: consumer,
		topics:   topics,
		count:    100,
		block:    time.Second,
		log:      obs.Component("subscriber").WithField("group", group),
	}, nil
}

// EnsureGroups creates the consumer group on every topic, starting from the beginning of the
// stream.
func (s *Subscriber) EnsureGroups(ctx context.Context) error {
	for _, topic := range s.topics {
		err := s.client.XGroupCreateMkStream(ctx, topic, s.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("events: create group on %s: %w", topic, err)
		}
	}
	return nil
}

// Run redelivers this consumer's pending events, then handles new ones until ctx ends.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	if err := s.EnsureGroups(ctx); err != nil {
		return err
	}
	if _, err := s.read(ctx, h, "0", -1); err != nil && ctx.Err() == nil {
		return err
	}
	for ctx.Err() == nil {
		if _, err := s.read(ctx, h, ">", s.block); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("read failed")
			_ = retry.Sleep(ctx, time.Second)
		}
	}
	return nil
}

// Poll handles whatever is available without blocking and reports how many events were handled.
func (s *Subscriber) Poll(ctx context.Context, h Handler) (int, error) {
	return s.read(ctx, h, ">", -1)
}

// Pending handles events delivered to this consumer but never acknowledged.
func (s *Subscriber) Pending(ctx context.Context, h Handler) (int, error) {
	return s.read(ctx, h, "0", -1)
}

func (s *Subscriber) read(ctx context.Context, h Handler, from string, block time.Duration) (int, error) {
	streams := make([]string, 0, 2*len(s.topics))
	streams = append(streams, s.topics...)
	for range s.topics {
		streams = append(streams, from)
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  streams,
		Count:    s.count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("events: xreadgroup: %w", err)
	}
	handled := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			if err := s.handle(ctx, h, stream.Stream, msg); err != nil {
				consumed.WithLabelValues("error").Inc()
				s.log.WithError(err).WithFields(logrus.Fields{"topic": stream.Stream, "message": msg.ID}).Warn("handler failed")
				continue
			}
			consumed.WithLabelValues("ok").Inc()
			handled++
		}
	}
	return handled, nil
}

func (s *Subscriber) handle(ctx context.Context, h Handler, topic string, msg redis.XMessage) error {
	raw, _ := msg.Values[fieldValue].(string)
	ev, err := Decode([]byte(raw))
	if err != nil {
		// unreadable forever; acknowledge so it does not block redelivery
		s.log.WithError(err).WithField("message", msg.ID).Error("dropping undecodable event")
		return s.client.XAck(ctx, topic, s.group, msg.ID).Err()
	}
	if err := h(ctx, ev); err != nil {
		return err
	}
	return s.client.XAck(ctx, topic, s.group, msg.ID).Err()
}

// Deduper skips events already handled, keyed by entity id, op and timestamp.
type Deduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDeduper(client *redis.Client, prefix string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *Deduper) key(ev MutationEvent) string {
	return fmt.Sprintf("%sdedupe:%s:%s:%s", d.prefix, ev.EntityID, ev.Op, ev.Timestamp.UTC().Format(time.RFC3339Nano))
}

// Wrap runs h at most once per event while the marker lives. A failed handler releases the
// marker so a redelivery is handled again.
func (d *Deduper) Wrap(h Handler) Handler {
	return func(ctx context.Context, ev MutationEvent) error {
		key := d.key(ev)
		fresh, err := d.client.SetNX(ctx, key, ev.ID, d.ttl).Result()
		if err != nil {
			return fmt.Errorf("events: dedupe: %w", err)
		}
		if !fresh {
			duplicates.Inc()
			return nil
		}
		if err := h(ctx, ev); err != nil {
			d.client.Del(ctx, key)
			return err
		}
		return nil
	}
}
