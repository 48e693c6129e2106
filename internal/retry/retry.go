// Package retry provides the single bounded-backoff policy shared by all
// external source clients.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy is a bounded exponential backoff: BaseDelay doubling per attempt,
// capped at MaxDelay, with jitter to avoid thundering retries against
// rate-limited sources.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy suits polling rate-limited HTTP APIs.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts are
// exhausted, or the context is cancelled. retryable decides which errors are
// transient; a nil retryable retries everything.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.delay(attempt)
		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Transient error, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, err)
}

// delay returns the jittered backoff for a 1-based attempt number.
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Up to 25% jitter.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
