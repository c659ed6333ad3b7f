// Package retry runs an operation until it succeeds, backing off between
// attempts.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Policy{Interval: 2 * time.Second}, func(ctx context.Context) error {
//	    return db.Ping(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy controls the retry behaviour.
type Policy struct {
	// Interval is the wait before the second attempt.
	Interval time.Duration
	// MaxInterval caps the per-attempt wait. Each wait doubles until it
	// reaches MaxInterval; values at or below Interval keep the wait fixed.
	MaxInterval time.Duration
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative means retry until ctx is done.
	MaxAttempts int
	// AttemptTimeout bounds a single call of fn. Zero leaves it to ctx.
	AttemptTimeout time.Duration
	// Name labels log lines.
	Name string
}

// DefaultPolicy polls every two seconds forever.
var DefaultPolicy = Policy{
	Interval: 2 * time.Second,
	Name:     "operation",
}

// Do calls fn until it returns nil, the attempts run out, or ctx is done.
// The error from the last attempt is returned, joined with ctx.Err() on
// cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Interval <= 0 {
		p.Interval = DefaultPolicy.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Name == "" {
		p.Name = DefaultPolicy.Name
	}

	delay := p.Interval
	var lastErr error

	for n := 1; p.MaxAttempts <= 0 || n <= p.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = attempt(ctx, p.AttemptTimeout, fn)
		if lastErr == nil {
			if n > 1 {
				log.Info().Str("op", p.Name).Int("attempts", n).Msg("retry: succeeded")
			}
			return nil
		}

		if p.MaxAttempts > 0 && n == p.MaxAttempts {
			break
		}

		log.Warn().Err(lastErr).
			Str("op", p.Name).
			Int("attempt", n).
			Dur("delay", delay).
			Msg("retry: attempt failed, waiting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxInterval {
			delay = p.MaxInterval
		}
	}

	return lastErr
}

func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
