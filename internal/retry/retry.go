package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config configures retry behaviour.
type Config struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff.
type Policy struct {
	config Config
}

// NewPolicy fills unset fields from DefaultConfig.
func NewPolicy(config Config) *Policy {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Policy{config: config}
}

func (p *Policy) MaxAttempts() int { return p.config.MaxAttempts }

// ShouldRetry reports whether another attempt is allowed after attempts failures ending in err.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextDelay is initialDelay * multiplier^(attempts-1), capped at MaxDelay.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are exhausted or ctx ends.
// It returns the number of attempts made and the last error.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if !p.ShouldRetry(attempts, err) {
			return attempts, unwrapPermanent(err)
		}
		if werr := Sleep(ctx, p.NextDelay(attempts)); werr != nil {
			return attempts, err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
