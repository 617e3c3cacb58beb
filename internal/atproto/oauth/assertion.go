package oauth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultAssertionLifetime is how long a client assertion stays valid.
const DefaultAssertionLifetime = 300 * time.Second

// ClientAssertion builds the RFC 7523 private_key_jwt assertion: an ES256
// JWT with iss and sub set to the client_id and aud set to the issuer. The
// key must carry a kid, which is echoed in the JWS header.
func ClientAssertion(clientID, issuer string, key jwk.Key, lifetime time.Duration) (string, error) {
	if key.KeyID() == "" {
		return "", fmt.Errorf("assertion key must carry a kid")
	}
	if lifetime <= 0 {
		lifetime = DefaultAssertionLifetime
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(clientID).
		Subject(clientID).
		Audience([]string{issuer}).
		Claim("jti", uuid.NewString()).
		IssuedAt(now).
		Expiration(now.Add(lifetime)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build assertion claims: %w", err)
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal assertion claims: %w", err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "JWT"); err != nil {
		return "", fmt.Errorf("failed to set type: %w", err)
	}
	if err := headers.Set(jws.KeyIDKey, key.KeyID()); err != nil {
		return "", fmt.Errorf("failed to set kid: %w", err)
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return string(signed), nil
}
