package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"atoauth/internal/atproto/atutil"
)

// ProofOptions carries the optional claims of a DPoP proof.
type ProofOptions struct {
	// Nonce is the server-provided nonce, empty on the first request.
	Nonce string

	// AccessToken, when set, produces an ath claim binding the proof to the
	// token unless SkipTokenHash is set.
	AccessToken   string
	SkipTokenHash bool
}

// ProofGenerator builds DPoP proof JWTs for a keypair.
type ProofGenerator struct {
	keys *KeyManager
}

// NewProofGenerator creates a generator for the given keypair.
func NewProofGenerator(keys *KeyManager) *ProofGenerator {
	return &ProofGenerator{keys: keys}
}

// Proof produces a compact JWS with typ=dpop+jwt, the public key in the jwk
// header and the claims RFC 9449 requires: jti, htm (uppercased method),
// htu (normalized URL) and iat, plus the optional nonce and ath.
func (g *ProofGenerator) Proof(method, rawurl string, opts ProofOptions) (string, error) {
	htu, err := atutil.NormalizeURL(rawurl)
	if err != nil {
		return "", fmt.Errorf("failed to normalize proof URL: %w", err)
	}

	builder := jwt.NewBuilder().
		Claim("jti", uuid.NewString()).
		Claim("htm", strings.ToUpper(method)).
		Claim("htu", htu).
		Claim("iat", time.Now().Unix())

	if opts.Nonce != "" {
		builder = builder.Claim("nonce", opts.Nonce)
	}
	if opts.AccessToken != "" && !opts.SkipTokenHash {
		builder = builder.Claim("ath", hashAccessToken(opts.AccessToken))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build proof claims: %w", err)
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof claims: %w", err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", fmt.Errorf("failed to set type: %w", err)
	}
	if err := headers.Set(jws.JWKKey, g.keys.PublicKey()); err != nil {
		return "", fmt.Errorf("failed to set jwk header: %w", err)
	}

	// jwt.Sign would override the custom headers, so sign the payload with
	// jws directly.
	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, g.keys.PrivateKey(), jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}
	return string(signed), nil
}

// hashAccessToken computes the ath claim: base64url(SHA-256(access_token)).
func hashAccessToken(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
