package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
)

var (
	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutation_events_published_total",
		Help: "Mutation events accepted by the broker, by namespace.",
	}, []string{"namespace"})
	publishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutation_events_publish_failures_total",
		Help: "Failed publish attempts, by namespace.",
	}, []string{"namespace"})
	alerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutation_events_alerts_total",
		Help: "Events that exhausted their publish attempts.",
	})
	republished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutation_events_republished_total",
		Help: "Changes republished by the rescanner.",
	})
	heldBack = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutation_events_held_back_total",
		Help: "Live changes left to the rescanner because an earlier change of the same entity failed.",
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{published, publishFailures, alerts, republished, heldBack, consumed, duplicates}
}

// Alert reports an event the broker never accepted.
type Alert struct {
	EventID  string
	Topic    string
	Key      string
	Seq      int64
	Attempts int
	Err      error
}

type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter raises alerts as error log lines.
type LogAlerter struct {
	Log *logrus.Entry
}

func (l LogAlerter) Alert(_ context.Context, a Alert) {
	alerts.Inc()
	log := l.Log
	if log == nil {
		log = obs.Component("events")
	}
	log.WithFields(logrus.Fields{
		"event_id": a.EventID,
		"topic":    a.Topic,
		"key":      a.Key,
		"seq":      a.Seq,
		"attempts": a.Attempts,
	}).WithError(a.Err).Error("mutation event not published")
}

// Marker records that a logged change reached the broker.
type Marker interface {
	MarkPublished(ctx context.Context, seqs ...int64) error
}

// Publisher converts change notifications into mutation events and publishes them.
//
// Events of one key keep commit order. Once a logged change of a key fails, later live changes of
// that key are left unmarked for the rescanner, which replays them in sequence order and releases
// the key when it reaches the newest one held.
type Publisher struct {
	broker  Broker
	prefix  string
	policy  *retry.Policy
	alerter Alerter
	marker  Marker
	now     func() time.Time
	log     *logrus.Entry

	mu   sync.Mutex
	held map[string]int64 // key -> newest seq left to the rescanner
}

type PublisherOption func(*Publisher)

func WithRetry(p *retry.Policy) PublisherOption {
	return func(pub *Publisher) {
		if p != nil {
			pub.policy = p
		}
	}
}

func WithAlerter(a Alerter) PublisherOption {
	return func(p *Publisher) {
		if a != nil {
			p.alerter = a
		}
	}
}

// WithMarker marks published changes in the durable change log.
func WithMarker(m Marker) PublisherOption {
	return func(p *Publisher) { p.marker = m }
}

func WithClock(fn func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if fn != nil {
			p.now = fn
		}
	}
}

func WithLogger(log *logrus.Entry) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPublisher(broker Broker, prefix string, opts ...PublisherOption) (*Publisher, error) {
	if broker == nil {
		return nil, errors.New("events: broker is required")
	}
	p := &Publisher{
		broker: broker,
		prefix: prefix,
		policy: retry.NewPolicy(retry.DefaultConfig()),
		now:    func() time.Time { return time.Now().UTC() },
		log:    obs.Component("events"),
		held:   map[string]int64{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.alerter == nil {
		p.alerter = LogAlerter{Log: p.log}
	}
	return p, nil
}

// Handle is the dispatcher entry point. Malformed payloads and tables without a namespace are
// dropped; a publish that exhausts its attempts is alerted and returned.
func (p *Publisher) Handle(ctx context.Context, n cdc.Notification) error {
	c, err := cdc.Decode(n.Payload)
	if err != nil {
		p.log.WithError(err).WithField("channel", n.Channel).Warn("dropping change")
		return nil
	}
	table := n.Channel
	if c.Table != "" {
		table = c.Table
	}
	return p.Publish(ctx, table, c)
}

// Publish sends the live event for c. The same encoded event is re-sent on every attempt.
func (p *Publisher) Publish(ctx context.Context, table string, c cdc.Change) error {
	return p.publish(ctx, table, c, false)
}

// Republish sends c even when its key is held back. Callers replay logged changes in sequence order.
func (p *Publisher) Republish(ctx context.Context, table string, c cdc.Change) error {
	return p.publish(ctx, table, c, true)
}

func (p *Publisher) publish(ctx context.Context, table string, c cdc.Change, replay bool) error {
	ev, err := FromChange(table, c, p.now())
	if err != nil {
		if !errors.Is(err, ErrUnsupportedTable) {
			p.log.WithError(err).WithField("table", table).Warn("dropping change")
		}
		// nothing will ever be sent for it
		p.mark(ctx, c.Seq)
		return nil
	}
	key := ev.Key()
	if !replay && p.holdBack(key, ev.Seq) {
		p.log.WithFields(logrus.Fields{"key": key, "seq": ev.Seq}).Debug("held for rescan")
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.ID, err)
	}
	topic := ev.Topic(p.prefix)
	attempts, err := p.policy.Do(ctx, func(ctx context.Context) error {
		err := p.broker.Publish(ctx, topic, key, value)
		if err != nil {
			publishFailures.WithLabelValues(ev.Namespace).Inc()
		}
		return err
	})
	if err != nil {
		p.hold(key, ev.Seq)
		p.alerter.Alert(ctx, Alert{EventID: ev.ID, Topic: topic, Key: key, Seq: ev.Seq, Attempts: attempts, Err: err})
		return fmt.Errorf("events: publish %s: %w", ev.ID, err)
	}
	published.WithLabelValues(ev.Namespace).Inc()
	if replay {
		p.release(key, ev.Seq)
	}
	p.mark(ctx, ev.Seq)
	return nil
}

// hold records a failed logged change. Changes without a log position cannot be replayed.
func (p *Publisher) hold(key string, seq int64) {
	if seq <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.held[key] {
		p.held[key] = seq
	}
}

// holdBack reports whether key is held, extending the hold to seq when it is.
func (p *Publisher) holdBack(key string, seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	newest, ok := p.held[key]
	if !ok || seq <= 0 {
		return false
	}
	if seq > newest {
		p.held[key] = seq
	}
	heldBack.Inc()
	return true
}

func (p *Publisher) release(key string, seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newest, ok := p.held[key]; ok && seq >= newest {
		delete(p.held, key)
	}
}

// Held reports whether live changes of key are currently left to the rescanner.
func (p *Publisher) Held(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[key]
	return ok
}

// mark failures only cost a duplicate from the rescanner.
func (p *Publisher) mark(ctx context.Context, seq int64) {
	if seq <= 0 || p.marker == nil {
		return
	}
	if err := p.marker.MarkPublished(ctx, seq); err != nil {
		p.log.WithError(err).WithField("seq", seq).Warn("mark published")
	}
}
