package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// HeaderAPIKey is the primary header carrying the caller's key.
const HeaderAPIKey = "api_key"

// KeyFromRequest extracts the API key from the api_key header, falling
// back to the last token of Authorization so "Bearer <key>" also works.
func KeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// WithKey stores key in ctx.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// KeyFromContext returns the key stored by RequireKey.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey).(string)
	return key
}

// RequireKey is a chi-compatible middleware that rejects requests carrying
// no API key with 400 and stores the key in the request context.
func RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := KeyFromRequest(r)
		if key == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "API key is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
	})
}

// Mask shortens key for logs.
func Mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "..."
}
