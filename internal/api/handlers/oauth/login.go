package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"atoauth/internal/atproto/oauth"
)

// HandleLogin starts the authorization flow.
// POST /oauth/login
// Body: {"handle": "alice.example.com"} or {"pds_url": "https://pds.example.com"}
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle    string `json:"handle"`
		PDSURL    string `json:"pds_url"`
		ReturnURL string `json:"return_url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if (req.Handle == "") == (req.PDSURL == "") {
		http.Error(w, "Provide exactly one of handle or pds_url", http.StatusBadRequest)
		return
	}

	res, err := h.client.Authorize(r.Context(), oauth.AuthorizeRequest{
		Handle: req.Handle,
		PDSURL: req.PDSURL,
	})
	if err != nil {
		h.log.Warn("authorization could not be started", "handle", req.Handle, "error", err)
		http.Error(w, "Unable to start authorization for that account", http.StatusBadRequest)
		return
	}

	// Stash the return target in the cookie session so the callback can
	// redirect the browser back where it came from.
	browser := h.browserSession(r)
	browser.Values[cookieReturnURL] = sanitizeReturnURL(req.ReturnURL)
	if err := browser.Save(r, w); err != nil {
		h.log.Error("failed to save browser session", "error", err)
		http.Error(w, "Failed to start session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"authorization_url": res.URL,
		"session_id":        res.SessionID,
	})
}

// sanitizeReturnURL keeps redirects on-site. Anything absolute or
// scheme-relative falls back to the root.
func sanitizeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	return raw
}
