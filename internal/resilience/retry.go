package resilience

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/metrics"
)

// RetryOptions tune the retry strategy. Zero values fall back to defaults.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds the total wall clock across all attempts. Zero means
	// the caller's context is the only bound.
	Timeout time.Duration
	// sleep is injectable for tests; it must respect ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to MaxAttempts times, backing off exponentially with
// uniform jitter in [0, 0.25). Only retryable kinds are retried; a 429
// honors a server-provided retry-after hint. CircuitOpen and Canceled
// propagate immediately.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.sleep == nil {
		opts.sleep = ctxSleep
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var last *apierror.Failure
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, apierror.AsFailure(err)
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		f := apierror.AsFailure(err)
		last = f

		if f.Kind == apierror.KindCircuitOpen || f.Kind == apierror.KindCanceled || !f.Retryable() {
			return zero, f
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := backoffDelay(opts, attempt, f.RetryAfter)
		log.Debugf("retry: attempt %d/%d failed (%s), backing off %s", attempt, opts.MaxAttempts, f.Kind, delay)
		metrics.Retries.Add(1)
		if err = opts.sleep(ctx, delay); err != nil {
			return zero, apierror.AsFailure(err)
		}
	}
	return zero, last
}

// backoffDelay computes min(maxDelay, base*2^(attempt-1)) * (1 + jitter).
// A rate-limit retry-after hint overrides the computed delay.
func backoffDelay(opts RetryOptions, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := opts.BaseDelay << uint(attempt-1)
	if delay > opts.MaxDelay || delay <= 0 {
		delay = opts.MaxDelay
	}
	jitter := rand.Float64() * 0.25
	return time.Duration(float64(delay) * (1 + jitter))
}

// Execute composes the breaker around the retry loop: an open circuit fails
// fast without invoking fn, a post-retry failure feeds the breaker, and a
// success closes it.
func Execute[T any](ctx context.Context, b *CircuitBreaker, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		metrics.CircuitShortCircuits.Add(1)
		return zero, err
	}
	out, err := Retry(ctx, opts, fn)
	if err != nil {
		f := apierror.AsFailure(err)
		b.RecordFailure(f)
		return zero, f
	}
	b.RecordSuccess()
	return out, nil
}
