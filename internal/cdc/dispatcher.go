package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"qazna.org/tenancy/internal/obs"
)

var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_notifications_total",
		Help: "Change notifications received per channel.",
	}, []string{"channel"})

	handlerErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc_handler_errors_total",
		Help: "Notifications a handler gave up on.",
	}, []string{"handler"})
)

// Collectors exposes the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{notificationsTotal, handlerErrorsTotal}
}

// Handler consumes notifications. Handlers own their retry policy; a returned error is logged
// and counted, never redelivered by the dispatcher.
type Handler interface {
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n Notification) error

func (f HandlerFunc) Handle(ctx context.Context, n Notification) error { return f(ctx, n) }

// Backfill reloads a truncated payload from the durable change log.
type Backfill interface {
	LoadChange(ctx context.Context, seq int64) ([]byte, error)
}

type route struct {
	name     string
	channels map[string]struct{}
	handler  Handler
	queue    chan Notification
}

func (r *route) wants(channel string) bool {
	if len(r.channels) == 0 {
		return true
	}
	_, ok := r.channels[channel]
	return ok
}

// Dispatcher is the single subscriber of the change channels. It fans every notification out to
// each registered handler through that handler's own queue.
type Dispatcher struct {
	mu       sync.Mutex
	routes   []*route
	running  bool
	depth    int
	backfill Backfill
	log      logrus.FieldLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithQueueDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.depth = n
		}
	}
}

func WithBackfill(b Backfill) DispatcherOption {
	return func(d *Dispatcher) { d.backfill = b }
}

func WithLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{depth: 256, log: obs.Component("cdc")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler for the given channels (all channels when none are given).
// It must be called before Run.
func (d *Dispatcher) Register(name string, h Handler, channels ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("cdc: register after dispatcher started")
	}
	r := &route{name: name, handler: h, queue: make(chan Notification, d.depth)}
	if len(channels) > 0 {
		r.channels = make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			r.channels[ch] = struct{}{}
		}
	}
	d.routes = append(d.routes, r)
	return nil
}

// Channels returns the union of channels the handlers asked for, or nil when one wants all.
func (d *Dispatcher) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, r := range d.routes {
		if len(r.channels) == 0 {
			return nil
		}
		for ch := range r.channels {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				out = append(out, ch)
			}
		}
	}
	return out
}

// Dispatch hands n to every interested handler. It blocks while a handler queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	notificationsTotal.WithLabelValues(n.Channel).Inc()
	n, err := d.expand(ctx, n)
	if err != nil {
		d.log.WithError(err).WithField("channel", n.Channel).Error("dropping notification")
		return nil
	}
	d.mu.Lock()
	routes := d.routes
	d.mu.Unlock()
	for _, r := range routes {
		if !r.wants(n.Channel) {
			continue
		}
		select {
		case r.queue <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) expand(ctx context.Context, n Notification) (Notification, error) {
	if d.backfill == nil {
		return n, nil
	}
	c, err := Decode(n.Payload)
	if err != nil || !c.Truncated {
		// malformed payloads are left for handlers to log with their own context
		return n, nil
	}
	payload, err := d.backfill.LoadChange(ctx, c.Seq)
	if err != nil {
		return n, fmt.Errorf("backfill seq %d: %w", c.Seq, err)
	}
	n.Payload = payload
	return n, nil
}

// Run drains every handler queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.running = true
	routes := d.routes
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range routes {
		r := r
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-r.queue:
					if err := r.handler.Handle(ctx, n); err != nil {
						handlerErrorsTotal.WithLabelValues(r.name).Inc()
						d.log.WithError(err).WithFields(logrus.Fields{
							"handler": r.name,
							"channel": n.Channel,
						}).Error("handler failed")
					}
				}
			}
		})
	}
	return g.Wait()
}
