package oauth

import (
	"encoding/json"
	"net/http"
)

// HandleClientMetadata serves the client metadata document.
// GET /oauth/client-metadata.json
func (h *Handler) HandleClientMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.client.Metadata()); err != nil {
		h.log.Error("failed to encode client metadata", "error", err)
	}
}
