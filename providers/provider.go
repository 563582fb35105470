// Package providers implements the inference backends the gateway asks
// when the cache has no answer.
//
// Every backend takes a Prompt (backend model identifier, system prompt and
// user prompt) and returns the raw answer text. Two wire shapes are
// supported over plain HTTP: a generate-style endpoint taking one
// concatenated prompt string, and an OpenAI-compatible chat endpoint taking
// a system and a user message. The openai and bedrock kinds reach the same
// chat shape through the vendor SDKs.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Message role constants.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Prompt is a single inference request.
type Prompt struct {
	// Model is the backend identifier of the model.
	Model  string
	System string
	User   string
}

// Provider is an inference backend.
type Provider interface {
	Name() string
	// Generate returns the backend's raw answer for p.
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ErrUpstreamUnavailable is returned without contacting the backend while
// its circuit breaker is open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError is a failed call to an inference backend.
type UpstreamError struct {
	Backend string
	// StatusCode is the HTTP status returned, or 0 for transport failures.
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream error (%d): %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream error: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether retrying the call may succeed: transport
// failures, 429 and 5xx. Authentication failures and other 4xx are final.
func (e *UpstreamError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err is a deadline expiry on an upstream call.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
