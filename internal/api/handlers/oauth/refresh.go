package oauth

import (
	"encoding/json"
	"errors"
	"net/http"

	"atoauth/internal/atproto/oauth"
)

// HandleRefresh forces a token refresh for the browser's session.
// POST /oauth/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	sessionID := h.CurrentSessionID(r)
	if sessionID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tokens, err := h.client.RefreshToken(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, oauth.ErrSessionNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		var re *oauth.RefreshError
		if errors.As(err, &re) && !re.RetryPossible {
			// The grant is gone; the user has to log in again.
			h.log.Warn("refresh failed permanently", "session_id", sessionID, "error", err)
			http.Error(w, "Session expired, please log in again", http.StatusUnauthorized)
			return
		}
		h.log.Error("refresh failed", "session_id", sessionID, "error", err)
		http.Error(w, "Token refresh failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"expires_at": tokens.ExpiresAt,
		"scope":      tokens.Scope,
	})
}
