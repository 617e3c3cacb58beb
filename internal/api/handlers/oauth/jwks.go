package oauth

import (
	"encoding/json"
	"net/http"
)

// HandleJWKS serves the public key set for private_key_jwt verification.
// GET /oauth/jwks.json
func (h *Handler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if h.jwks == nil || h.jwks.Len() == 0 {
		http.Error(w, "No keys configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.jwks); err != nil {
		h.log.Error("failed to encode JWKS", "error", err)
	}
}
