package cdc

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/obs"
	"qazna.org/tenancy/internal/retry"
)

// Sink receives notifications from a Listener; Dispatcher.Dispatch is the usual sink.
type Sink func(ctx context.Context, n Notification) error

// Listener holds one dedicated connection LISTENing on the table channels and reconnects with
// backoff when it drops.
type Listener struct {
	dsn         string
	channels    []string
	backoff     *retry.Policy
	onReconnect func(ctx context.Context)
	log         logrus.FieldLogger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// OnReconnect runs after every successful reconnect; use it to rescan for changes missed while down.
func OnReconnect(fn func(ctx context.Context)) ListenerOption {
	return func(l *Listener) { l.onReconnect = fn }
}

func WithListenerLogger(log logrus.FieldLogger) ListenerOption {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

func WithBackoff(p *retry.Policy) ListenerOption {
	return func(l *Listener) {
		if p != nil {
			l.backoff = p
		}
	}
}

func NewListener(dsn string, channels []string, opts ...ListenerOption) *Listener {
	l := &Listener{
		dsn:      dsn,
		channels: channels,
		backoff: retry.NewPolicy(retry.Config{
			MaxAttempts:  1 << 30,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		}),
		log: obs.Component("cdc"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, sink Sink) error {
	failures := 0
	connected := false
	for {
		err := l.session(ctx, sink, func() {
			if connected && l.onReconnect != nil {
				l.onReconnect(ctx)
			}
			connected = true
			failures = 0
		})
		if ctx.Err() != nil {
			return nil
		}
		failures++
		delay := l.backoff.NextDelay(failures)
		l.log.WithError(err).WithField("retry_in", delay.String()).Warn("change listener disconnected")
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (l *Listener) session(ctx context.Context, sink Sink, ready func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	l.log.WithField("channels", l.channels).Info("listening for changes")
	ready()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n == nil {
			return errors.New("cdc: empty notification")
		}
		if err := sink(ctx, Notification{
			Channel:    n.Channel,
			Payload:    []byte(n.Payload),
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
}
