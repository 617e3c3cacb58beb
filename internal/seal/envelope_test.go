package seal

import (
	"encoding/json"
	"strings"
	"testing"
)

type testSession struct {
	SessionID    string   `json:"session_id"`
	PKCEVerifier string   `json:"pkce_verifier"`
	Tokens       *testTok `json:"tokens,omitempty"`
	Key          *testJWK `json:"key,omitempty"`
}

type testTok struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Sub          string `json:"sub"`
}

type testJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d"`
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec(newTestSealer(t))
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	in := testSession{
		SessionID:    "abc",
		PKCEVerifier: "verifier-verifier-verifier-verifier-verifier",
		Tokens: &testTok{
			AccessToken:  "at-secret",
			RefreshToken: "rt-secret",
			TokenType:    "DPoP",
			Sub:          "did:plc:abc",
		},
		Key: &testJWK{Kty: "EC", Crv: "P-256", X: "xxx", Y: "yyy", D: "private-scalar"},
	}

	raw, err := c.Marshal("session", in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out testSession
	if err := c.Unmarshal(raw, "session", &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out.SessionID != in.SessionID || out.PKCEVerifier != in.PKCEVerifier {
		t.Errorf("session fields differ: %+v", out)
	}
	if out.Tokens == nil || out.Tokens.AccessToken != "at-secret" || out.Tokens.RefreshToken != "rt-secret" {
		t.Errorf("token fields differ: %+v", out.Tokens)
	}
	if out.Key == nil || out.Key.D != "private-scalar" {
		t.Errorf("key fields differ: %+v", out.Key)
	}
}

// The stored form must not contain sensitive values in the clear, and sealed
// fields must be detectable by their envelope shape.
func TestCodecSealsSensitiveFields(t *testing.T) {
	c := newTestCodec(t)

	raw, err := c.Marshal("session", testSession{
		SessionID:    "abc",
		PKCEVerifier: "super-secret-verifier-super-secret-verifier1",
		Tokens:       &testTok{AccessToken: "at-secret", RefreshToken: "rt-secret", TokenType: "DPoP"},
		Key:          &testJWK{Kty: "EC", Crv: "P-256", X: "xxx", Y: "yyy", D: "private-scalar"},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for _, secret := range []string{"at-secret", "rt-secret", "super-secret-verifier", "private-scalar"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("stored form contains %q in the clear", secret)
		}
	}

	var rec struct {
		Version int    `json:"version"`
		Type    string `json:"type"`
		Data    struct {
			PKCEVerifier map[string]any `json:"pkce_verifier"`
			Tokens       struct {
				AccessToken map[string]any `json:"access_token"`
				TokenType   string         `json:"token_type"`
			} `json:"tokens"`
			Key struct {
				X string         `json:"x"`
				D map[string]any `json:"d"`
			} `json:"key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("envelope shape: %v", err)
	}

	if rec.Version != 1 || rec.Type != "session" {
		t.Errorf("envelope header = version %d type %q", rec.Version, rec.Type)
	}
	for name, m := range map[string]map[string]any{
		"pkce_verifier": rec.Data.PKCEVerifier,
		"access_token":  rec.Data.Tokens.AccessToken,
		"d":             rec.Data.Key.D,
	} {
		for _, field := range []string{"version", "iv", "data", "tag"} {
			if _, ok := m[field]; !ok {
				t.Errorf("sealed %s missing %q: %v", name, field, m)
			}
		}
	}

	// Non-sensitive fields stay in the clear.
	if rec.Data.Tokens.TokenType != "DPoP" {
		t.Errorf("token_type = %q", rec.Data.Tokens.TokenType)
	}
	if rec.Data.Key.X != "xxx" {
		t.Errorf("public x = %q", rec.Data.Key.X)
	}
}

func TestCodecTypeMismatch(t *testing.T) {
	c := newTestCodec(t)

	raw, err := c.Marshal("nonce", map[string]string{"value": "n"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out map[string]string
	if err := c.Unmarshal(raw, "session", &out); err == nil {
		t.Error("type mismatch accepted")
	}
}

func TestCodecEmptySensitiveFieldsSkipped(t *testing.T) {
	c := newTestCodec(t)

	raw, err := c.Marshal("session", testSession{SessionID: "abc"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out testSession
	if err := c.Unmarshal(raw, "session", &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.PKCEVerifier != "" || out.Tokens != nil {
		t.Errorf("unexpected fields: %+v", out)
	}
}
