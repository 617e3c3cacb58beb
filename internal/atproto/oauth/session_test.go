package oauth

import (
	"errors"
	"testing"
	"time"

	"atoauth/internal/atproto/metadata"
)

func TestSessionSetAuthServer(t *testing.T) {
	s := &Session{}
	a := &metadata.AuthorizationServer{Issuer: "https://auth.example.com"}

	if err := s.SetAuthServer(a); err != nil {
		t.Fatalf("SetAuthServer: %v", err)
	}
	// Re-binding the same issuer is fine.
	if err := s.SetAuthServer(&metadata.AuthorizationServer{Issuer: "https://auth.example.com"}); err != nil {
		t.Fatalf("SetAuthServer same issuer: %v", err)
	}

	err := s.SetAuthServer(&metadata.AuthorizationServer{Issuer: "https://other.example.com"})
	var im *IssuerMismatchError
	if !errors.As(err, &im) {
		t.Fatalf("expected IssuerMismatchError, got %v", err)
	}
}

func TestSessionSetDID(t *testing.T) {
	s := &Session{}
	if err := s.SetDID("did:plc:abc"); err != nil {
		t.Fatalf("SetDID: %v", err)
	}
	if err := s.SetDID("did:plc:abc"); err != nil {
		t.Fatalf("SetDID same value: %v", err)
	}
	if err := s.SetDID("did:plc:other"); err == nil {
		t.Fatal("DID rebind accepted")
	}
}

func TestSessionSetTokens(t *testing.T) {
	s := &Session{DID: "did:plc:abc"}

	err := s.SetTokens(&TokenSet{Sub: "did:plc:other"})
	var te *TokenError
	if !errors.As(err, &te) {
		t.Fatalf("expected TokenError for subject mismatch, got %v", err)
	}
	if s.Tokens != nil {
		t.Error("tokens stored despite mismatch")
	}

	if err := s.SetTokens(&TokenSet{Sub: "did:plc:abc"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
}

func TestSessionSetTokensBindsDID(t *testing.T) {
	s := &Session{}
	if err := s.SetTokens(&TokenSet{Sub: "did:plc:abc"}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if s.DID != "did:plc:abc" {
		t.Errorf("did = %q, want the token subject", s.DID)
	}
}

func TestSessionAuthorizedAndRenewable(t *testing.T) {
	s := &Session{}
	if s.Authorized() || s.Renewable() {
		t.Error("empty session must be neither authorized nor renewable")
	}

	s.Tokens = &TokenSet{
		AccessToken: "a",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if !s.Authorized() {
		t.Error("session with live token not authorized")
	}
	if s.Renewable() {
		t.Error("session without refresh token renewable")
	}

	s.Tokens.ExpiresAt = time.Now().Add(-time.Minute)
	s.Tokens.RefreshToken = "r"
	if s.Authorized() {
		t.Error("session with expired token authorized")
	}
	if !s.Renewable() {
		t.Error("session with refresh token not renewable")
	}
}
