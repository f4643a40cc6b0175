package shard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the wait before the given retry (0-based), capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retry && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. An exhausted budget is reported as unavailable. It returns the number
// of attempts made.
func Retry(ctx context.Context, p RetryPolicy, logger *zap.Logger, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if attempt >= attempts {
			break
		}

		wait := p.Backoff(attempt - 1)
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		logger.Warn("transient backend error, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}

	shardID := -1
	var se *Error
	if errors.As(err, &se) {
		shardID = se.Shard
	}
	return attempts, &Error{Kind: KindUnavailable, Shard: shardID, Op: "retry", Err: err}
}
