package providers

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/metrics"
)

// DefaultBackoff is the delay before the first retry; it doubles on each
// subsequent attempt.
const DefaultBackoff = 100 * time.Millisecond

// RetryingProvider retries transient failures of the wrapped provider with
// exponential backoff. Every attempt is recorded in the upstream metrics.
type RetryingProvider struct {
	next     Provider
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// Retrying wraps p so that transient failures (transport errors, 429, 5xx)
// are retried up to attempts times in total. attempts <= 1 disables retry.
func Retrying(p Provider, attempts int, backoff time.Duration) *RetryingProvider {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &RetryingProvider{next: p, attempts: attempts, backoff: backoff, sleep: sleepCtx}
}

// Name returns the wrapped provider's name.
func (r *RetryingProvider) Name() string { return r.next.Name() }

// Generate calls the wrapped provider until it succeeds, fails with a
// non-transient error, or the attempts are exhausted.
func (r *RetryingProvider) Generate(ctx context.Context, p Prompt) (string, error) {
	name := r.next.Name()
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * r.backoff
			if err := r.sleep(ctx, backoff); err != nil {
				return "", lastErr
			}
			metrics.UpstreamRetries.WithLabelValues(name).Inc()
			logging.FromContext(ctx).Info("retrying upstream",
				"backend", name, "attempt", attempt+1, "error", lastErr)
		}

		start := time.Now()
		answer, err := r.next.Generate(ctx, p)
		metrics.UpstreamDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.UpstreamRequests.WithLabelValues(name, outcome(err)).Inc()
		if err == nil {
			return answer, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	if IsTimeout(err) {
		return false
	}
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return uerr.Transient()
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
