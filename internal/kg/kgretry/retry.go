// Package kgretry centralizes the retry/backoff loop that was scattered
// through the teacher's sefii and orchestrator packages into one helper,
// per design note "implicit retry loops scattered through code".
package kgretry

import (
	"context"
	"math/rand"
	"time"
)

// Policy parameterizes a bounded retry loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64 // fraction of backoff to randomize, e.g. 0.2
	IsRetryable    func(error) bool
}

// DefaultPolicy mirrors the bounded-attempt shape already present in the
// teacher (internal/orchestrator/kafka.go uses 3 attempts, exponential
// backoff starting at 200ms).
func DefaultPolicy(isRetryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
		IsRetryable:    isRetryable,
	}
}

// Do runs op, retrying while p.IsRetryable(err) is true and the attempt
// budget remains, sleeping an exponentially increasing, jittered backoff
// between attempts. It returns the last error if all attempts are
// exhausted, or nil on the first success. ctx cancellation aborts
// immediately, including during the backoff sleep.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = func(error) bool { return false }
	}

	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !p.IsRetryable(lastErr) {
			return lastErr
		}

		sleep := backoff
		if p.MaxBackoff > 0 && sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		if p.Jitter > 0 {
			delta := time.Duration(float64(sleep) * p.Jitter * (rand.Float64()*2 - 1))
			sleep += delta
			if sleep < 0 {
				sleep = 0
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}
