package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/auth"
)

// maxRequestBody bounds a completion request body.
const maxRequestBody = 1 << 20

// CacheHeader reports whether a completion was served from the cache.
const CacheHeader = "X-AICache"

// completionsHandler handles POST /v1/completions.
func completionsHandler(gw *aicache.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req aicache.CompletionRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, decodeErrorMessage(err))
			return
		}

		resp, err := gw.Complete(r.Context(), auth.KeyFromContext(r.Context()), req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		if resp.WasCached() {
			w.Header().Set(CacheHeader, "hit")
		} else {
			w.Header().Set(CacheHeader, "miss")
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if strings.HasPrefix(typeErr.Field, "messages") {
			return "Invalid 'messages' format"
		}
		return "Missing 'model' or 'messages' in request"
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return "Request body too large"
	}
	return "Invalid JSON body"
}
