package routes

import (
	"time"

	"github.com/go-chi/chi/v5"

	oauthHandlers "atoauth/internal/api/handlers/oauth"
	"atoauth/internal/api/middleware"
)

// RegisterOAuthRoutes mounts the OAuth endpoints. Login and callback get a
// tight per-IP limit against credential stuffing and state exhaustion;
// refresh is a little looser for legitimate token renewal.
func RegisterOAuthRoutes(r chi.Router, h *oauthHandlers.Handler) {
	loginLimiter := middleware.NewRateLimiter(10, 1*time.Minute)
	refreshLimiter := middleware.NewRateLimiter(20, 1*time.Minute)

	// Metadata documents are public and covered by the global limit.
	r.Get("/oauth/client-metadata.json", h.HandleClientMetadata)
	r.Get("/oauth/jwks.json", h.HandleJWKS)

	r.With(loginLimiter.Middleware).Post("/oauth/login", h.HandleLogin)
	r.With(loginLimiter.Middleware).Get("/oauth/callback", h.HandleCallback)

	r.With(refreshLimiter.Middleware).Post("/oauth/refresh", h.HandleRefresh)
	r.With(loginLimiter.Middleware).Post("/oauth/logout", h.HandleLogout)
}
