// Package resolver answers prompts from the cache, falling back to the
// inference backend on a miss and recording the new answer.
package resolver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/metrics"
	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 120 * time.Second

// Result is the outcome of Resolve.
type Result struct {
	Answer string
	// Cached is true when the answer came from the store.
	Cached bool
	// Shared is true when this caller joined an upstream call issued by a
	// concurrent request for the same prompt.
	Shared bool
	// TokensPerSecond is the answer's word count divided by the time the
	// producing operation took.
	TokensPerSecond float64
}

// Resolver is safe for concurrent use.
type Resolver struct {
	store    store.Store
	provider providers.Provider
	timeout  time.Duration
	logger   *slog.Logger
	dedup    bool
	group    singleflight.Group
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets the upstream call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger; by default the request-scoped logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithDedup toggles collapsing concurrent misses for the same prompt into a
// single upstream call. It is on by default.
func WithDedup(on bool) Option {
	return func(r *Resolver) { r.dedup = on }
}

// New creates a Resolver over st and p.
func New(st store.Store, p providers.Provider, opts ...Option) *Resolver {
	r := &Resolver{
		store:    st,
		provider: p,
		timeout:  DefaultTimeout,
		dedup:    true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the underlying cache store.
func (r *Resolver) Store() store.Store { return r.store }

func (r *Resolver) log(ctx context.Context) *slog.Logger {
	if r.logger != nil {
		if id := logging.TraceIDFromContext(ctx); id != "" {
			return r.logger.With("trace_id", id)
		}
		return r.logger
	}
	return logging.FromContext(ctx)
}

// Resolve returns the answer to userPrompt. The cache is keyed by the user
// prompt alone; backendID and systemPrompt only shape the upstream call.
func (r *Resolver) Resolve(ctx context.Context, backendID, userPrompt, systemPrompt string) (Result, error) {
	start := r.now()
	answer, ok, err := r.store.Lookup(ctx, userPrompt)
	if err != nil {
		return Result{}, &StoreError{Op: "lookup", Err: err}
	}
	if ok {
		res := Result{Answer: answer, Cached: true, TokensPerSecond: TokensPerSecond(answer, r.now().Sub(start))}
		r.observe(res)
		return res, nil
	}

	if !r.dedup {
		res, err := r.fetch(ctx, backendID, userPrompt, systemPrompt)
		if err != nil {
			return Result{}, err
		}
		r.observe(res)
		return res, nil
	}

	leader := false
	ch := r.group.DoChan(store.Fingerprint(userPrompt), func() (interface{}, error) {
		leader = true
		// A concurrent call may have stored the answer since our lookup.
		if answer, ok, err := r.store.Lookup(context.WithoutCancel(ctx), userPrompt); err == nil && ok {
			return Result{Answer: answer, Cached: true, TokensPerSecond: TokensPerSecond(answer, r.now().Sub(start))}, nil
		}
		return r.fetch(ctx, backendID, userPrompt, systemPrompt)
	})

	select {
	case <-ctx.Done():
		// The upstream call continues and its answer is still stored.
		return Result{}, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		res := out.Val.(Result)
		if !leader {
			res.Shared = true
			metrics.InflightJoins.Inc()
		}
		r.observe(res)
		return res, nil
	}
}

// fetch calls the backend and appends the answer. It runs detached from
// ctx's cancellation so a departed client does not waste a paid call.
func (r *Resolver) fetch(ctx context.Context, backendID, userPrompt, systemPrompt string) (Result, error) {
	log := r.log(ctx)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := r.now()
	raw, err := r.provider.Generate(callCtx, providers.Prompt{Model: backendID, System: systemPrompt, User: userPrompt})
	elapsed := r.now().Sub(start)
	if err != nil {
		log.Warn("upstream call failed",
			"backend", r.provider.Name(), "model", backendID, "elapsed", elapsed, "error", err)
		return Result{}, err
	}

	answer := strings.TrimSpace(raw)
	if err := r.store.Append(context.WithoutCancel(ctx), userPrompt, answer); err != nil {
		metrics.CacheAppendErrors.Inc()
		log.Error("failed to cache answer", "backend", r.provider.Name(), "prompt_bytes", len(userPrompt), "error", err)
	}
	return Result{Answer: answer, TokensPerSecond: TokensPerSecond(raw, elapsed)}, nil
}

func (r *Resolver) observe(res Result) {
	label := "miss"
	if res.Cached {
		label = "hit"
	}
	metrics.CacheLookups.WithLabelValues(label).Inc()
	metrics.TokensPerSecond.WithLabelValues(label).Observe(res.TokensPerSecond)
}

// WordCount counts whitespace-delimited words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// TokensPerSecond is WordCount(text) divided by elapsed, or 0 when elapsed
// is not positive.
func TokensPerSecond(text string, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(WordCount(text)) / secs
}

// StoreError is a cache store failure surfaced by Resolve.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "cache " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }
