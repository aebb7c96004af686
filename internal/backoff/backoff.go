// Package backoff computes exponential retry delays and runs retry loops.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter adds randomness on top of a computed delay.
type Jitter func(delay time.Duration) time.Duration

// Proportional adds up to fraction*delay of random jitter.
func Proportional(fraction float64) Jitter {
	return func(delay time.Duration) time.Duration {
		return time.Duration(rand.Float64() * fraction * float64(delay))
	}
}

// Additive adds a uniform random duration in [0, max).
func Additive(max time.Duration) Jitter {
	return func(time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}
		return rand.N(max)
	}
}

// Policy describes an exponential backoff: attempt n waits
// min(Base*Multiplier^(n-1), Max) plus jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      Jitter
}

// Default is the policy used for infrastructure reconnects.
func Default() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 6,
		Jitter:      Proportional(0.25),
	}
}

// Reconnect is the client reconnect schedule: 1s doubling up to 30s, plus up
// to one second of jitter, five attempts.
func Reconnect() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
		Jitter:      Additive(time.Second),
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	d := time.Duration(delay)
	if p.Jitter != nil {
		d += p.Jitter(d)
	}
	return d
}

// Retry runs fn until it succeeds, the attempts are exhausted, or ctx ends.
// The first call is immediate; later calls wait Delay(n) first. fn receives
// the 1-based attempt number.
func (p Policy) Retry(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			slog.DebugContext(ctx, "Retry attempt failed, waiting before next attempt",
				"event", "retry_attempt",
				"attempt", attempt-1, "max_attempts", attempts,
				"delay_ms", delay.Milliseconds(), "error", lastErr)
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// Sleep waits for d or until ctx ends.
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

// Permanent marks err as not worth retrying. Retry returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
