package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katy-the-kat/AICache/internal/circuitbreaker"
	"github.com/katy-the-kat/AICache/internal/metrics"
)

// GuardedProvider fails fast with ErrUpstreamUnavailable after repeated
// upstream failures, until a cooldown has passed.
type GuardedProvider struct {
	next    Provider
	breaker *circuitbreaker.Breaker
}

// Guarded wraps p with a circuit breaker that opens after threshold
// consecutive failures and admits one trial call after cooldown.
func Guarded(p Provider, threshold int, cooldown time.Duration, opts ...circuitbreaker.Option) *GuardedProvider {
	gauge := metrics.UpstreamGuardOpen.WithLabelValues(p.Name())
	gauge.Set(0)
	opts = append([]circuitbreaker.Option{circuitbreaker.OnStateChange(func(s circuitbreaker.State) {
		if s == circuitbreaker.StateOpen {
			gauge.Set(1)
		} else {
			gauge.Set(0)
		}
	})}, opts...)
	return &GuardedProvider{next: p, breaker: circuitbreaker.New(threshold, cooldown, opts...)}
}

// Name returns the wrapped provider's name.
func (g *GuardedProvider) Name() string { return g.next.Name() }

// State exposes the breaker state.
func (g *GuardedProvider) State() circuitbreaker.State { return g.breaker.State() }

// Generate forwards to the wrapped provider unless the breaker is open.
// Transport failures, timeouts, 429 and 5xx count against the breaker. A
// caller giving up is neither a success nor a failure.
func (g *GuardedProvider) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := g.breaker.Acquire(); err != nil {
		metrics.UpstreamRequests.WithLabelValues(g.next.Name(), "unavailable").Inc()
		return "", fmt.Errorf("%s: %w", g.next.Name(), ErrUpstreamUnavailable)
	}
	answer, err := g.next.Generate(ctx, p)
	switch {
	case err == nil:
		g.breaker.Success()
	case errors.Is(err, context.Canceled):
		g.breaker.Release()
	case IsTimeout(err) || retryable(err):
		g.breaker.Failure()
	default:
		// The backend answered, it rejected this request.
		g.breaker.Success()
	}
	return answer, err
}
