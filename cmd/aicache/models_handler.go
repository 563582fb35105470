package main

import (
	"net/http"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/auth"
)

// modelsResponse is the body of GET /v1/models.
type modelsResponse struct {
	Data []aicache.ModelStatus `json:"data"`
}

// modelsHandler lists every registered model, marking the ones the
// caller's key may use as active.
func modelsHandler(gw *aicache.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := gw.ListModels(r.Context(), auth.KeyFromContext(r.Context()))
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, modelsResponse{Data: models})
	}
}
