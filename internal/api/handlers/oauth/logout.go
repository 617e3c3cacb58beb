package oauth

import (
	"net/http"
)

// HandleLogout removes the OAuth session and clears the browser cookie.
// POST /oauth/logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := h.CurrentSessionID(r)
	if sessionID != "" {
		if err := h.client.RemoveSession(r.Context(), sessionID); err != nil {
			h.log.Error("failed to remove session", "session_id", sessionID, "error", err)
			// The cookie is cleared regardless.
		}
	}

	browser := h.browserSession(r)
	browser.Options.MaxAge = -1
	if err := browser.Save(r, w); err != nil {
		h.log.Error("failed to clear browser session", "error", err)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
