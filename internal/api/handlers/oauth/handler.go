// Package oauth exposes the login flow over HTTP: the client metadata and
// JWKS documents, login, callback, token refresh and logout.
package oauth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"atoauth/internal/atproto/oauth"
)

const (
	sessionCookieName = "atoauth_session"
	cookieSessionID   = "oauth_session_id"
	cookieDID         = "did"
	cookieReturnURL   = "return_url"

	// SessionMaxAge is the browser cookie lifetime in seconds.
	SessionMaxAge = 30 * 24 * 60 * 60

	// MinCookieSecretLength is the smallest accepted cookie signing secret.
	MinCookieSecretLength = 32
)

// Handler serves the OAuth endpoints on top of an oauth.Client.
type Handler struct {
	client  *oauth.Client
	cookies *sessions.CookieStore
	jwks    jwk.Set
	log     *slog.Logger
	secure  bool
}

// NewHandler builds the handler set. publicJWKS may be nil for public
// clients; secure controls the cookie Secure flag and should be false only
// for loopback development.
func NewHandler(client *oauth.Client, cookies *sessions.CookieStore, publicJWKS jwk.Set, log *slog.Logger, secure bool) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		client:  client,
		cookies: cookies,
		jwks:    publicJWKS,
		log:     log,
		secure:  secure,
	}
}

// NewCookieStore builds the signed cookie store for browser sessions.
func NewCookieStore(secret []byte) (*sessions.CookieStore, error) {
	if len(secret) < MinCookieSecretLength {
		return nil, fmt.Errorf("cookie secret must be at least %d bytes", MinCookieSecretLength)
	}
	return sessions.NewCookieStore(secret), nil
}

// browserSession loads or creates the cookie session for a request.
func (h *Handler) browserSession(r *http.Request) *sessions.Session {
	s, err := h.cookies.Get(r, sessionCookieName)
	if err != nil {
		// An undecodable cookie (rotated secret) starts a fresh session.
		s, _ = h.cookies.New(r, sessionCookieName)
	}
	s.Options.MaxAge = SessionMaxAge
	s.Options.HttpOnly = true
	s.Options.Secure = h.secure
	s.Options.SameSite = http.SameSiteLaxMode
	s.Options.Path = "/"
	return s
}

// CurrentSessionID returns the OAuth session bound to the request's cookie,
// or "" when the browser is not logged in.
func (h *Handler) CurrentSessionID(r *http.Request) string {
	s, err := h.cookies.Get(r, sessionCookieName)
	if err != nil || s.IsNew {
		return ""
	}
	id, _ := s.Values[cookieSessionID].(string)
	return id
}
