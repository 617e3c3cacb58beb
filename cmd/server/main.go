package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	_ "github.com/lib/pq"

	oauthHandlers "atoauth/internal/api/handlers/oauth"
	"atoauth/internal/api/middleware"
	"atoauth/internal/api/routes"
	"atoauth/internal/atproto/identity"
	"atoauth/internal/atproto/metadata"
	"atoauth/internal/atproto/oauth"
	"atoauth/internal/atproto/transport"
	"atoauth/internal/config"
	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := run(context.Background(), log); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return err
	}
	if master == nil {
		log.Warn("ATPROTO_MASTER_KEY not set, generating an ephemeral key; sessions will not survive a restart")
		if master, err = seal.GenerateMasterKey(); err != nil {
			return err
		}
	}
	sealer, err := seal.New(master)
	if err != nil {
		return err
	}

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var assertionKey jwk.Key
	var publicJWKS jwk.Set
	if raw, err := cfg.AssertionJWKBytes(); err != nil {
		return err
	} else if raw != nil {
		if assertionKey, err = jwk.ParseKey(raw); err != nil {
			return fmt.Errorf("failed to parse ATPROTO_ASSERTION_JWK: %w", err)
		}
		public, err := assertionKey.PublicKey()
		if err != nil {
			return err
		}
		publicJWKS = jwk.NewSet()
		if err := publicJWKS.AddKey(public); err != nil {
			return err
		}
	}

	meta := &metadata.ClientMetadata{
		ClientID:              cfg.ClientID(),
		ApplicationType:       "web",
		GrantTypes:            []string{"authorization_code", "refresh_token"},
		ResponseTypes:         []string{"code"},
		RedirectURIs:          []string{cfg.RedirectURI()},
		Scope:                 cfg.Scope,
		ClientName:            cfg.ClientName,
		ClientURI:             cfg.PublicURL,
		DPoPBoundAccessTokens: true,
	}
	// A reachable key set upgrades the client to confidential.
	if assertionKey != nil && cfg.JWKSURI() != "" {
		meta.TokenEndpointAuthMethod = metadata.AuthMethodPrivateKeyJWT
		meta.TokenEndpointAuthSigningAlg = "ES256"
		meta.JWKSURI = cfg.JWKSURI()
	}

	hc := transport.New()
	client, err := oauth.New(ctx, oauth.Config{
		Metadata:     meta,
		RedirectURI:  cfg.RedirectURI(),
		AssertionKey: assertionKey,
		Store:        store,
		Codec:        seal.NewCodec(sealer),
		HTTP:         hc,
		Resolver: identity.NewResolver(hc,
			identity.WithPLCURL(cfg.PLCURL),
			identity.WithDNSTimeout(cfg.DNSTimeout)),
		SessionTTL: cfg.SessionTTL,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	cookieSecret := []byte(cfg.CookieSecret)
	if len(cookieSecret) == 0 {
		log.Warn("ATPROTO_COOKIE_SECRET not set, generating an ephemeral secret; browser sessions will not survive a restart")
		cookieSecret = make([]byte, 32)
		if _, err := rand.Read(cookieSecret); err != nil {
			return err
		}
	}
	cookies, err := oauthHandlers.NewCookieStore(cookieSecret)
	if err != nil {
		return err
	}

	handler := oauthHandlers.NewHandler(client, cookies, publicJWKS, log, !cfg.Loopback())

	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.NewRateLimiter(100, 1*time.Minute).Middleware)

	routes.RegisterOAuthRoutes(r, handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	log.Info("listening", "port", cfg.Port, "public_url", cfg.PublicURL, "storage", cfg.Storage)
	return http.ListenAndServe(":"+cfg.Port, r)
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage {
	case "redis":
		return storage.NewRedisStorage(ctx, storage.RedisConfig{Addr: cfg.RedisAddr})
	case "postgres":
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL)
	default:
		log.Warn("using in-memory storage; sessions are lost on restart and not shared between instances")
		return storage.NewMemoryStorage(), nil
	}
}
