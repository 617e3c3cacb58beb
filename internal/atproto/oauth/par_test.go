package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"atoauth/internal/atproto/dpop"
	"atoauth/internal/atproto/transport"
	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

func newTestDPoPClient(t *testing.T) *dpop.Client {
	t.Helper()

	master, err := seal.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	sealer, err := seal.New(master)
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	km, err := dpop.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	return dpop.NewClient(km, dpop.NewNonceManager(storage.NewMemoryStorage(), seal.NewCodec(sealer)))
}

func proofClaims(t *testing.T, proof string) map[string]any {
	t.Helper()
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		t.Fatalf("proof is not a compact JWS")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		t.Fatalf("parsing claims: %v", err)
	}
	return claims
}

func validPARRequest() *PARRequest {
	return &PARRequest{
		ClientID:      "https://app.example.com/meta.json",
		RedirectURI:   "https://app.example.com/callback",
		CodeChallenge: "challenge",
		State:         "state-token",
		Scope:         "atproto",
	}
}

func TestPARRequestForm(t *testing.T) {
	form, err := validPARRequest().Form()
	if err != nil {
		t.Fatalf("Form: %v", err)
	}
	if form.Get("response_type") != "code" {
		t.Errorf("response_type = %q", form.Get("response_type"))
	}
	if form.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", form.Get("code_challenge_method"))
	}
	if form.Get("client_assertion_type") != "" {
		t.Error("assertion type present without assertion")
	}

	r := validPARRequest()
	r.ClientAssertion = "assertion-jwt"
	form, err = r.Form()
	if err != nil {
		t.Fatalf("Form: %v", err)
	}
	if form.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		t.Errorf("client_assertion_type = %q", form.Get("client_assertion_type"))
	}
	if form.Get("client_assertion") != "assertion-jwt" {
		t.Errorf("client_assertion = %q", form.Get("client_assertion"))
	}
}

func TestPARRequestFormRejections(t *testing.T) {
	r := validPARRequest()
	r.State = ""
	if _, err := r.Form(); err == nil {
		t.Error("missing state accepted")
	}

	r = validPARRequest()
	r.Scope = "email"
	if _, err := r.Form(); err == nil {
		t.Error("scope without atproto accepted")
	}
}

func TestPARSubmit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if r.Header.Get("DPoP") == "" {
			t.Error("DPoP header missing")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("response_type") != "code" {
			t.Errorf("response_type = %q", r.PostForm.Get("response_type"))
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_uri":"urn:ietf:params:oauth:request_uri:x","expires_in":60}`))
	}))
	defer srv.Close()

	c := NewPARClient(transport.New(), newTestDPoPClient(t))
	resp, err := c.Submit(context.Background(), srv.URL+"/par", validPARRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RequestURI != "urn:ietf:params:oauth:request_uri:x" || resp.ExpiresIn != 60 {
		t.Errorf("resp = %+v", resp)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPARSubmitNonceHandshake(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		proof := r.Header.Get("DPoP")
		switch calls {
		case 1:
			if nonce := proofClaims(t, proof)["nonce"]; nonce != nil {
				t.Errorf("first proof carries nonce %v", nonce)
			}
			w.Header().Set("DPoP-Nonce", "N1")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"use_dpop_nonce"}`))
		case 2:
			if nonce := proofClaims(t, proof)["nonce"]; nonce != "N1" {
				t.Errorf("retry proof nonce = %v, want N1", nonce)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"request_uri":"urn:x","expires_in":60}`))
		default:
			t.Error("more than one retry")
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	dp := newTestDPoPClient(t)
	c := NewPARClient(transport.New(), dp)

	resp, err := c.Submit(context.Background(), srv.URL+"/par", validPARRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RequestURI != "urn:x" {
		t.Errorf("request_uri = %q", resp.RequestURI)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPARSubmitRepeatedNonceFails(t *testing.T) {
	// A server that keeps demanding a nonce gets exactly one retry.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("DPoP-Nonce", "N1")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"use_dpop_nonce"}`))
	}))
	defer srv.Close()

	c := NewPARClient(transport.New(), newTestDPoPClient(t))
	_, err := c.Submit(context.Background(), srv.URL+"/par", validPARRequest())
	var pe *PARError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PARError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPARSubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","error_description":"redirect_uri is bogus"}`))
	}))
	defer srv.Close()

	c := NewPARClient(transport.New(), newTestDPoPClient(t))
	_, err := c.Submit(context.Background(), srv.URL+"/par", validPARRequest())

	var pe *PARError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PARError, got %v", err)
	}
	if pe.Status != http.StatusBadRequest || pe.OAuthError != "invalid_request" {
		t.Errorf("error = %+v", pe)
	}
	if !strings.Contains(pe.Description, "bogus") {
		t.Errorf("description = %q", pe.Description)
	}
}

func TestAuthorizationURL(t *testing.T) {
	got := AuthorizationURL("https://auth.example.com/authorize", "urn:x y", "https://app.example.com/meta.json")
	if !strings.HasPrefix(got, "https://auth.example.com/authorize?") {
		t.Errorf("url = %q", got)
	}
	if !strings.Contains(got, "request_uri=urn%3Ax+y") {
		t.Errorf("request_uri not encoded: %q", got)
	}
	if !strings.Contains(got, "client_id=https%3A%2F%2Fapp.example.com%2Fmeta.json") {
		t.Errorf("client_id not encoded: %q", got)
	}
}
