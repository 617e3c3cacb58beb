package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"atoauth/internal/atproto/dpop"
)

func TestClientAssertion(t *testing.T) {
	km, err := dpop.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}

	assertion, err := ClientAssertion("https://app.example.com/meta.json", "https://auth.example.com", km.PrivateKey(), 0)
	if err != nil {
		t.Fatalf("ClientAssertion: %v", err)
	}

	parts := strings.Split(assertion, ".")
	if len(parts) != 3 {
		t.Fatalf("assertion is not a compact JWS")
	}

	headerRaw, _ := base64.RawURLEncoding.DecodeString(parts[0])
	var header map[string]any
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		t.Fatalf("parsing header: %v", err)
	}
	if header["alg"] != "ES256" || header["typ"] != "JWT" {
		t.Errorf("header = %v", header)
	}
	if header["kid"] != km.KeyID() {
		t.Errorf("kid = %v, want %v", header["kid"], km.KeyID())
	}

	claimsRaw, _ := base64.RawURLEncoding.DecodeString(parts[1])
	var claims map[string]any
	if err := json.Unmarshal(claimsRaw, &claims); err != nil {
		t.Fatalf("parsing claims: %v", err)
	}
	if claims["iss"] != "https://app.example.com/meta.json" || claims["sub"] != claims["iss"] {
		t.Errorf("iss/sub = %v/%v", claims["iss"], claims["sub"])
	}
	aud := claims["aud"]
	switch v := aud.(type) {
	case string:
		if v != "https://auth.example.com" {
			t.Errorf("aud = %v", v)
		}
	case []any:
		if len(v) != 1 || v[0] != "https://auth.example.com" {
			t.Errorf("aud = %v", v)
		}
	default:
		t.Errorf("aud has unexpected type %T", aud)
	}
	if claims["jti"] == nil || claims["jti"] == "" {
		t.Error("jti missing")
	}

	iat, iatOK := claims["iat"].(float64)
	exp, expOK := claims["exp"].(float64)
	if !iatOK || !expOK {
		t.Fatal("iat or exp missing")
	}
	if exp-iat != DefaultAssertionLifetime.Seconds() {
		t.Errorf("lifetime = %v seconds, want %v", exp-iat, DefaultAssertionLifetime.Seconds())
	}

	if _, err := jws.Verify([]byte(assertion), jws.WithKey(jwa.ES256, km.PublicKey())); err != nil {
		t.Errorf("assertion does not verify: %v", err)
	}
}

func TestClientAssertionRequiresKID(t *testing.T) {
	km, err := dpop.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	key := km.PrivateKey()
	if err := key.Remove("kid"); err != nil {
		t.Fatalf("removing kid: %v", err)
	}

	if _, err := ClientAssertion("c", "i", key, 0); err == nil {
		t.Fatal("kid-less key accepted")
	}
}
