// Package auth decides whether an API key may use a model.
package auth

import (
	"errors"
	"fmt"

	"github.com/katy-the-kat/AICache/internal/registry"
)

// Sentinel errors returned (wrapped in *Error) by Authorize.
var (
	ErrUnknownKey         = errors.New("unknown API key")
	ErrModelNotPermitted  = errors.New("model not permitted for API key")
	ErrModelNotRegistered = errors.New("model not registered")
)

// Error is an authorization failure. It matches its Reason with errors.Is.
type Error struct {
	Reason error
	Model  string
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Reason, ErrUnknownKey):
		return "Invalid API key"
	case errors.Is(e.Reason, ErrModelNotPermitted):
		return fmt.Sprintf("Model '%s' not allowed for this API key", e.Model)
	case errors.Is(e.Reason, ErrModelNotRegistered):
		return fmt.Sprintf("Model '%s' is not registered", e.Model)
	default:
		return e.Reason.Error()
	}
}

func (e *Error) Unwrap() error { return e.Reason }

// Authorize checks apiKey against keys and resolves model against models.
// Checks run in order: the key must exist, it must allow model, and model
// must be registered. On success the model's descriptor is returned.
func Authorize(apiKey, model string, keys registry.APIKeys, models registry.Models) (registry.ModelDescriptor, error) {
	allowed, ok := keys[apiKey]
	if !ok {
		return registry.ModelDescriptor{}, &Error{Reason: ErrUnknownKey, Model: model}
	}
	if !allowed.Allows(model) {
		return registry.ModelDescriptor{}, &Error{Reason: ErrModelNotPermitted, Model: model}
	}
	desc, ok := models.Get(model)
	if !ok {
		return registry.ModelDescriptor{}, &Error{Reason: ErrModelNotRegistered, Model: model}
	}
	return desc, nil
}

// Reason returns a short label for err suitable for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, ErrModelNotPermitted):
		return "not_permitted"
	case errors.Is(err, ErrModelNotRegistered):
		return "not_registered"
	default:
		return "other"
	}
}
