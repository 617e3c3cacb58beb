// Package oauth implements the AT Protocol OAuth client core: PKCE, pushed
// authorization requests, client assertions, session management, token
// exchange and refresh, fronted by the Client facade.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE per RFC 7636, S256 only.

const (
	// MinVerifierLength and MaxVerifierLength bound the code verifier.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is used when no length is requested.
	DefaultVerifierLength = 128

	// PKCEMethod is the only challenge method AT Protocol allows.
	PKCEMethod = "S256"
)

const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// maxUnbiasedByte is the largest multiple of len(verifierCharset) that fits
// in a byte; values at or above it are rejected so the draw stays uniform.
const maxUnbiasedByte = 256 - 256%len(verifierCharset)

// GenerateVerifier returns a random code verifier of the given length drawn
// uniformly from the RFC 7636 unreserved character set.
func GenerateVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("verifier length must be in [%d, %d], got %d", MinVerifierLength, MaxVerifierLength, length)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			out = append(out, verifierCharset[int(b)%len(verifierCharset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateChallenge computes the S256 challenge for a verifier:
// base64url(SHA-256(verifier)), no padding.
func GenerateChallenge(verifier string) (string, error) {
	if err := validateVerifier(verifier); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// VerifyChallenge recomputes the challenge for a verifier and compares it in
// constant time.
func VerifyChallenge(challenge, verifier string) bool {
	computed, err := GenerateChallenge(verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func validateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("verifier length must be in [%d, %d], got %d", MinVerifierLength, MaxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return fmt.Errorf("verifier contains invalid character %q", c)
		}
	}
	return nil
}

// GenerateStateToken returns a 256-bit URL-safe random token for CSRF
// protection.
func GenerateStateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
