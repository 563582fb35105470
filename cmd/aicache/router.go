package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/auth"
	"github.com/katy-the-kat/AICache/internal/logging"
)

// newRouter builds the HTTP router.
func newRouter(gw *aicache.Gateway, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireKey)
		r.Get("/models", modelsHandler(gw))
		r.Post("/completions", completionsHandler(gw))
	})

	return r
}

// writeError writes {"error": message} with status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGatewayError maps a Gateway error to a status. Messages of client
// errors are returned verbatim; server-side failures are not leaked.
func writeGatewayError(w http.ResponseWriter, err error) {
	status := aicache.StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		msg = "Internal server error"
	case http.StatusBadGateway:
		msg = "Upstream inference request failed"
	case http.StatusServiceUnavailable:
		msg = "Upstream inference backend unavailable"
	case http.StatusGatewayTimeout:
		msg = "Upstream inference request timed out"
	}
	writeError(w, status, msg)
}
