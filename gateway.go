// Package aicache is a caching gateway in front of LLM inference backends.
//
// The Gateway type is the main entry point: create one with New from a
// Config, a registry.Source, a store.Store and a providers.Provider, then
// call ListModels and Complete. Every distinct user prompt is sent upstream
// once; later requests for the same prompt are answered from the cache.
//
// Configuration can be loaded from a YAML or JSON file using [LoadConfig].
package aicache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/katy-the-kat/AICache/internal/auth"
	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/metrics"
	"github.com/katy-the-kat/AICache/internal/registry"
	"github.com/katy-the-kat/AICache/internal/resolver"
	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

// EventHookFunc is called asynchronously after a completion request
// finishes, successfully or not.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subjects passed to hooks.
const (
	SubjectRequestCompleted = "aicache.request.completed"
	SubjectRequestFailed    = "aicache.request.failed"
)

// Gateway authorizes requests against the registries and answers them
// through the resolver.
type Gateway struct {
	mu       sync.RWMutex
	config   Config
	source   registry.Source
	resolver *resolver.Resolver
	hooks    []EventHookFunc
}

// New creates a Gateway. The upstream timeout and dedup setting are taken
// from cfg.
func New(cfg Config, src registry.Source, st store.Store, p providers.Provider) *Gateway {
	var opts []resolver.Option
	if d, err := cfg.Upstream.CallTimeout(); err == nil && d > 0 {
		opts = append(opts, resolver.WithTimeout(d))
	}
	opts = append(opts, resolver.WithDedup(cfg.Cache.DedupEnabled()))

	return &Gateway{
		config:   cfg,
		source:   src,
		resolver: resolver.New(st, p, opts...),
	}
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Resolver exposes the answer resolver.
func (g *Gateway) Resolver() *resolver.Resolver { return g.resolver }

// AddHook registers an EventHookFunc that is called asynchronously for
// every completion request.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// ListModels returns every registered model in registry order, flagged
// active when apiKey may use it.
func (g *Gateway) ListModels(ctx context.Context, apiKey string) ([]ModelStatus, error) {
	keys, err := g.source.APIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	allowed, ok := keys[apiKey]
	if !ok {
		metrics.AuthRejections.WithLabelValues(auth.Reason(auth.ErrUnknownKey)).Inc()
		metrics.Requests.WithLabelValues("models", "rejected").Inc()
		return nil, &auth.Error{Reason: auth.ErrUnknownKey}
	}
	models, err := g.source.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}

	out := make([]ModelStatus, 0, models.Len())
	for _, m := range models.All() {
		out = append(out, ModelStatus{ID: m.Name, Active: allowed.Allows(m.Name)})
	}
	metrics.Requests.WithLabelValues("models", "success").Inc()
	return out, nil
}

// Complete validates req, authorizes apiKey for req.Model and resolves the
// first user message. Validation and authorization failures never reach
// the upstream backend.
func (g *Gateway) Complete(ctx context.Context, apiKey string, req CompletionRequest) (*Completion, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	prompt, err := req.Validate()
	if err != nil {
		metrics.Requests.WithLabelValues("completions", "rejected").Inc()
		return nil, err
	}

	keys, err := g.source.APIKeys(ctx)
	if err != nil {
		return nil, g.fail(ctx, req.Model, "", start, fmt.Errorf("load api keys: %w", err))
	}
	models, err := g.source.Models(ctx)
	if err != nil {
		return nil, g.fail(ctx, req.Model, "", start, fmt.Errorf("load models: %w", err))
	}

	desc, err := auth.Authorize(apiKey, req.Model, keys, models)
	if err != nil {
		metrics.AuthRejections.WithLabelValues(auth.Reason(err)).Inc()
		metrics.Requests.WithLabelValues("completions", "rejected").Inc()
		log.Info("request rejected", "api_key", auth.Mask(apiKey), "model", req.Model, "reason", auth.Reason(err))
		g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
			"trace_id":   logging.TraceIDFromContext(ctx),
			"api_key":    auth.Mask(apiKey),
			"model":      req.Model,
			"error":      err.Error(),
			"status":     StatusFor(err),
			"latency_ms": time.Since(start).Milliseconds(),
			"timestamp":  time.Now(),
		})
		return nil, err
	}

	res, err := g.resolver.Resolve(ctx, desc.BackendID, prompt, desc.SystemPrompt)
	if err != nil {
		return nil, g.fail(ctx, req.Model, desc.BackendID, start, err)
	}

	cached := "no"
	if res.Cached {
		cached = "yes"
	}
	completion := &Completion{
		ID:      uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Text:         res.Answer,
			Index:        0,
			LogProbs:     nil,
			FinishReason: "stop",
		}},
		Cached:          cached,
		TokensPerSecond: res.TokensPerSecond,
	}

	latency := time.Since(start)
	metrics.Requests.WithLabelValues("completions", "success").Inc()
	log.Info("request completed",
		"api_key", auth.Mask(apiKey),
		"model", req.Model,
		"backend", desc.BackendID,
		"cached", res.Cached,
		"shared", res.Shared,
		"tokens_per_second", res.TokensPerSecond,
		"latency_ms", latency.Milliseconds(),
	)
	g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
		"trace_id":          logging.TraceIDFromContext(ctx),
		"completion_id":     completion.ID,
		"api_key":           auth.Mask(apiKey),
		"model":             req.Model,
		"backend":           desc.BackendID,
		"cached":            res.Cached,
		"tokens_per_second": res.TokensPerSecond,
		"status":            200,
		"latency_ms":        latency.Milliseconds(),
		"timestamp":         time.Now(),
	})
	return completion, nil
}

func (g *Gateway) fail(ctx context.Context, model, backend string, start time.Time, err error) error {
	latency := time.Since(start)
	status := StatusFor(err)
	metrics.Requests.WithLabelValues("completions", "error").Inc()
	logging.FromContext(ctx).Error("request failed",
		"model", model,
		"backend", backend,
		"status", status,
		"latency_ms", latency.Milliseconds(),
		"error", err.Error(),
	)
	g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
		"trace_id":   logging.TraceIDFromContext(ctx),
		"model":      model,
		"backend":    backend,
		"error":      err.Error(),
		"status":     status,
		"latency_ms": latency.Milliseconds(),
		"timestamp":  time.Now(),
	})
	return err
}

// publishEvent calls all registered hooks asynchronously.
func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		fn := h
		go fn(hookCtx, subject, data)
	}
}

// StatusFor maps an error returned by Gateway methods to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrInvalidRequest):
		return 400
	case errors.Is(err, auth.ErrUnknownKey), errors.Is(err, auth.ErrModelNotPermitted):
		return 403
	case errors.Is(err, auth.ErrModelNotRegistered):
		return 404
	case errors.Is(err, providers.ErrUpstreamUnavailable):
		return 503
	case providers.IsTimeout(err):
		return 504
	case isUpstream(err):
		return 502
	default:
		return 500
	}
}

func isUpstream(err error) bool {
	var uerr *providers.UpstreamError
	return errors.As(err, &uerr)
}

// Close releases the cache store.
func (g *Gateway) Close() error {
	return g.resolver.Store().Close()
}
