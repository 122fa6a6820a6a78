package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // Attempts after the first call; 0 retries forever
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap for the exponential delay
	Multiplier   float64       // Exponential backoff multiplier
	Jitter       float64       // Fraction of the delay randomized, 0..1
}

// DefaultConfig returns the reconnect policy used by stream outputs
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// permanentError stops a retry loop immediately
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff computes successive delays for a Config.
type Backoff struct {
	cfg     Config
	attempt int
	rnd     *rand.Rand
}

func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := Delay(b.cfg, b.attempt)
	b.attempt++
	if b.cfg.Jitter > 0 && d > 0 {
		span := float64(d) * b.cfg.Jitter
		d = time.Duration(float64(d) - span + b.rnd.Float64()*2*span)
	}
	return d
}

// Attempt returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Delay is the un-jittered delay before retry number attempt (0-based).
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. onRetry, when set, observes every failed attempt
// that will be retried.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	b := NewBackoff(cfg)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if cfg.MaxAttempts > 0 && b.Attempt() >= cfg.MaxAttempts {
			return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, err)
		}

		delay := b.Next()
		if onRetry != nil {
			onRetry(b.Attempt(), err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
