// Package dpop implements RFC 9449 proof-of-possession for the OAuth flow:
// ES256 keypair management, proof JWT generation and the per-server nonce
// store. Every token issued through this flow is bound to a DPoP key.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// KeyManager holds the ES256 keypair that signs DPoP proofs. Only P-256 keys
// are accepted; every key carries use=sig and a thumbprint-derived kid.
type KeyManager struct {
	private jwk.Key
	public  jwk.Key
	kid     string
}

// NewKeyManager generates a fresh P-256 keypair and self-tests it.
func NewKeyManager() (*KeyManager, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from private key: %w", err)
	}
	return newKeyManager(key)
}

// ImportKey loads a previously exported private JWK, revalidating the curve,
// kid and use before accepting it.
func ImportKey(raw []byte) (*KeyManager, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	return newKeyManager(key)
}

func newKeyManager(key jwk.Key) (*KeyManager, error) {
	if key.KeyType() != jwa.EC {
		return nil, fmt.Errorf("DPoP key must be an EC key, got %s", key.KeyType())
	}
	var crv string
	if err := requireField(key, "crv", &crv); err != nil {
		return nil, err
	}
	if crv != jwa.P256.String() {
		return nil, fmt.Errorf("DPoP key must use curve P-256, got %s", crv)
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	public, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kid, err := computeKID(public)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := public.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("failed to set kid on public key: %w", err)
	}
	if err := public.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage on public key: %w", err)
	}

	m := &KeyManager{private: key, public: public, kid: kid}
	if err := m.selfTest(); err != nil {
		return nil, err
	}
	return m, nil
}

// PrivateKey returns the signing key.
func (m *KeyManager) PrivateKey() jwk.Key { return m.private }

// PublicKey returns the public half, suitable for the proof's jwk header.
func (m *KeyManager) PublicKey() jwk.Key { return m.public }

// KeyID returns the derived kid.
func (m *KeyManager) KeyID() string { return m.kid }

// ExportPrivate serializes the private key as a JWK for persistence. The
// caller is responsible for encrypting the result.
func (m *KeyManager) ExportPrivate() ([]byte, error) {
	raw, err := json.Marshal(m.private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private JWK: %w", err)
	}
	return raw, nil
}

// selfTest signs and verifies a probe payload so a corrupt imported key is
// rejected at construction instead of failing mid-flow.
func (m *KeyManager) selfTest() error {
	probe := []byte("dpop-key-self-test")
	signed, err := jws.Sign(probe, jws.WithKey(jwa.ES256, m.private))
	if err != nil {
		return fmt.Errorf("key self-test sign failed: %w", err)
	}
	verified, err := jws.Verify(signed, jws.WithKey(jwa.ES256, m.public))
	if err != nil {
		return fmt.Errorf("key self-test verify failed: %w", err)
	}
	if string(verified) != string(probe) {
		return fmt.Errorf("key self-test payload mismatch")
	}
	return nil
}

// computeKID derives a stable key ID from the public key components:
// the first 8 characters of base64url(SHA-256("kty|crv|x|y")).
func computeKID(public jwk.Key) (string, error) {
	var crv, x, y string
	for field, dst := range map[string]*string{"crv": &crv, "x": &x, "y": &y} {
		if err := requireField(public, field, dst); err != nil {
			return "", err
		}
	}

	material := fmt.Sprintf("%s|%s|%s|%s", public.KeyType(), crv, x, y)
	sum := sha256.Sum256([]byte(material))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:8], nil
}

// requireField extracts a string-representable field from a JWK.
func requireField(key jwk.Key, name string, dst *string) error {
	v, ok := key.Get(name)
	if !ok {
		return fmt.Errorf("JWK missing %s", name)
	}
	switch t := v.(type) {
	case string:
		*dst = t
	case []byte:
		*dst = base64.RawURLEncoding.EncodeToString(t)
	case fmt.Stringer:
		*dst = t.String()
	default:
		return fmt.Errorf("JWK field %s has unexpected type %T", name, v)
	}
	return nil
}
