// Package config loads the process configuration from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full environment configuration. All variables share the
// ATPROTO_ prefix.
type Config struct {
	// PublicURL is the externally reachable base URL of this service. The
	// client metadata document, JWKS and redirect URI are derived from it.
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://127.0.0.1:8081"`

	// Port the HTTP server listens on.
	Port string `envconfig:"PORT" default:"8081"`

	ClientName string `envconfig:"CLIENT_NAME" default:"atoauth"`
	Scope      string `envconfig:"SCOPE" default:"atproto"`

	// MasterKey is the base64-encoded 32-byte envelope encryption key. When
	// empty an ephemeral key is generated at startup, which means sessions do
	// not survive a restart.
	MasterKey string `envconfig:"MASTER_KEY"`

	// CookieSecret signs the browser session cookie. Minimum 32 bytes.
	CookieSecret string `envconfig:"COOKIE_SECRET"`

	// AssertionJWK is the ES256 private key for private_key_jwt client
	// authentication, as JWK JSON or "base64:" prefixed. Empty for public
	// clients.
	AssertionJWK string `envconfig:"ASSERTION_JWK"`

	// Storage selects the session store backend: memory, redis or postgres.
	Storage     string `envconfig:"STORAGE" default:"memory"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	PLCURL     string        `envconfig:"PLC_URL" default:"https://plc.directory"`
	DNSTimeout time.Duration `envconfig:"DNS_TIMEOUT" default:"3s"`

	// SessionTTL bounds how long session records live in storage. Zero keeps
	// them until logout.
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"720h"`
}

// Load reads the configuration from ATPROTO_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("atproto", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	switch cfg.Storage {
	case "memory", "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	if cfg.Storage == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres storage requires ATPROTO_DATABASE_URL")
	}
	return &cfg, nil
}

// ClientID is the URL of the client metadata document.
func (c *Config) ClientID() string {
	return c.PublicURL + "/oauth/client-metadata.json"
}

// RedirectURI is the OAuth callback URL for this deployment.
func (c *Config) RedirectURI() string {
	return c.PublicURL + "/oauth/callback"
}

// JWKSURI is where the public key set is served. Empty for loopback
// deployments, which cannot act as confidential clients.
func (c *Config) JWKSURI() string {
	if c.Loopback() {
		return ""
	}
	return c.PublicURL + "/oauth/jwks.json"
}

// Loopback reports whether the service runs on a local development URL.
func (c *Config) Loopback() bool {
	return strings.HasPrefix(c.PublicURL, "http://localhost") ||
		strings.HasPrefix(c.PublicURL, "http://127.0.0.1")
}

// MasterKeyBytes decodes the configured master key. Returns nil when unset.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("ATPROTO_MASTER_KEY is not valid base64: %w", err)
	}
	return key, nil
}

// AssertionJWKBytes returns the assertion key JSON, decoding a "base64:"
// prefix if present. Base64 sidesteps shell quoting of the raw JWK JSON.
func (c *Config) AssertionJWKBytes() ([]byte, error) {
	return DecodeBase64OrPlain(c.AssertionJWK)
}

// DecodeBase64OrPlain returns a value that may carry a "base64:" prefix,
// decoded. Plain values pass through unchanged; empty stays empty.
func DecodeBase64OrPlain(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if encoded, ok := strings.CutPrefix(value, "base64:"); ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 value: %w", err)
		}
		return decoded, nil
	}
	return []byte(value), nil
}
