package oauth

import (
	"errors"
	"net/http"

	"atoauth/internal/atproto/oauth"
)

// HandleCallback completes the authorization flow: exchanges the code for
// tokens and binds the OAuth session to the browser cookie.
// GET /oauth/callback?code=...&state=...&iss=...
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		h.log.Warn("authorization denied", "error", errParam, "description", q.Get("error_description"))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	iss := q.Get("iss")
	if code == "" || state == "" || iss == "" {
		http.Error(w, "Missing required OAuth parameters", http.StatusBadRequest)
		return
	}

	session, err := h.client.Sessions().GetSessionByState(r.Context(), state)
	if err != nil {
		http.Error(w, "Invalid or expired authorization request", http.StatusBadRequest)
		return
	}

	tokens, err := h.client.HandleCallback(r.Context(), code, state, iss)
	if err != nil {
		var is *oauth.InvalidStateError
		var im *oauth.IssuerMismatchError
		switch {
		case errors.As(err, &is):
			http.Error(w, "Invalid or expired authorization request", http.StatusBadRequest)
		case errors.As(err, &im):
			http.Error(w, "Authorization server mismatch", http.StatusBadRequest)
		default:
			h.log.Error("token exchange failed", "session_id", session.SessionID, "error", err)
			http.Error(w, "Failed to obtain access tokens", http.StatusInternalServerError)
		}
		return
	}

	browser := h.browserSession(r)
	browser.Values[cookieSessionID] = session.SessionID
	browser.Values[cookieDID] = tokens.Sub
	returnURL, _ := browser.Values[cookieReturnURL].(string)
	delete(browser.Values, cookieReturnURL)
	if err := browser.Save(r, w); err != nil {
		h.log.Error("failed to save browser session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	if returnURL == "" {
		returnURL = "/"
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}
