package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/cdc"
	"qazna.org/tenancy/internal/obs"
)

// Outbox is the durable change log.
type Outbox interface {
	Unpublished(ctx context.Context, before time.Time, limit int) ([]cdc.Change, error)
}

// Locker grants a lease to one holder at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker takes leases with SET NX so only one instance rescans at a time.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("events: lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			obs.Component("events").WithError(err).WithField("key", key).Warn("release lock")
		}
	}, true, nil
}

// Rescanner republishes logged changes that were never marked published, covering
// notifications lost while no listener was connected.
type Rescanner struct {
	outbox    Outbox
	publisher *Publisher
	locker    Locker
	lockKey   string
	grace     time.Duration
	batch     int
	timeout   time.Duration
	now       func() time.Time
	log       *logrus.Entry
	cron      *cron.Cron
}

type RescannerOption func(*Rescanner)

// WithLocker guards every run with a lease under key.
func WithLocker(l Locker, key string) RescannerOption {
	return func(r *Rescanner) {
		r.locker = l
		if key != "" {
			r.lockKey = key
		}
	}
}

func WithGrace(d time.Duration) RescannerOption {
	return func(r *Rescanner) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func WithBatch(n int) RescannerOption {
	return func(r *Rescanner) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithRescanClock(fn func() time.Time) RescannerOption {
	return func(r *Rescanner) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRescanner(outbox Outbox, publisher *Publisher, opts ...RescannerOption) (*Rescanner, error) {
	if outbox == nil || publisher == nil {
		return nil, errors.New("events: outbox and publisher are required")
	}
	r := &Rescanner{
		outbox:    outbox,
		publisher: publisher,
		lockKey:   "tenancy:rescan",
		grace:     30 * time.Second,
		batch:     500,
		timeout:   5 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
		log:       obs.Component("rescanner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunOnce republishes pending changes older than the grace period, batch by batch, and returns
// how many were sent. It does nothing when another instance holds the lease.
func (r *Rescanner) RunOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, r.lockKey, r.timeout)
		if err != nil {
			return 0, err
		}
		if !ok {
			r.log.Debug("rescan held by another instance")
			return 0, nil
		}
		defer unlock()
	}

	cutoff := r.now().Add(-r.grace)
	sent := 0
	var last int64
	for {
		changes, err := r.outbox.Unpublished(ctx, cutoff, r.batch)
		if err != nil {
			return sent, fmt.Errorf("events: load unpublished: %w", err)
		}
		progressed := false
		for _, c := range changes {
			if c.Seq <= last {
				continue
			}
			if err := r.publisher.Republish(ctx, c.Table, c); err != nil {
				return sent, err
			}
			last = c.Seq
			progressed = true
			sent++
			republished.Inc()
		}
		if len(changes) < r.batch || !progressed {
			break
		}
	}
	if sent > 0 {
		r.log.WithField("count", sent).Info("republished pending changes")
	}
	return sent, nil
}

// Start runs RunOnce on schedule (cron syntax or "@every 1m") until Stop.
func (r *Rescanner) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.WithError(err).Error("rescan failed")
		}
	})
	if err != nil {
		return fmt.Errorf("events: rescan schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.log.WithField("schedule", schedule).Info("rescanner started")
	return nil
}

// Stop waits for a running rescan to finish.
func (r *Rescanner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
