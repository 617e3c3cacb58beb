package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"atoauth/internal/atproto/transport"
)

func validAuthServer(issuer string) *AuthorizationServer {
	return &AuthorizationServer{
		Issuer:                       issuer,
		AuthorizationEndpoint:        issuer + "/oauth/authorize",
		TokenEndpoint:                issuer + "/oauth/token",
		PAREndpoint:                  issuer + "/oauth/par",
		ResponseTypesSupported:       []string{"code"},
		GrantTypesSupported:          []string{"authorization_code", "refresh_token"},
		CodeChallengeMethods:         []string{"S256"},
		TokenEndpointAuthMethods:     []string{"private_key_jwt", "none"},
		TokenEndpointAuthSigningAlgs: []string{"ES256"},
		DPoPSigningAlgs:              []string{"ES256"},
		ScopesSupported:              []string{"atproto", "transition:generic"},
		IssParameterSupported:        true,
		RequirePAR:                   true,
		ClientIDMetadataDocument:     true,
	}
}

func TestAuthorizationServerFromIssuer(t *testing.T) {
	hc := transport.New()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(validAuthServer(srv.URL))
	}))
	defer srv.Close()

	got, err := AuthorizationServerFromIssuer(context.Background(), hc, srv.URL)
	if err != nil {
		t.Fatalf("AuthorizationServerFromIssuer: %v", err)
	}
	if got.Issuer != srv.URL {
		t.Errorf("issuer = %q, want %q", got.Issuer, srv.URL)
	}
	if got.PAREndpoint != srv.URL+"/oauth/par" {
		t.Errorf("par endpoint = %q", got.PAREndpoint)
	}
}

func TestAuthorizationServerIssuerMismatch(t *testing.T) {
	hc := transport.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := validAuthServer("https://somewhere-else.example.com")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	_, err := AuthorizationServerFromIssuer(context.Background(), hc, srv.URL)
	var ias *InvalidAuthorizationServerError
	if !errors.As(err, &ias) {
		t.Fatalf("expected InvalidAuthorizationServerError, got %v", err)
	}
}

func TestAuthorizationServerValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AuthorizationServer)
	}{
		{"missing PAR endpoint", func(s *AuthorizationServer) { s.PAREndpoint = "" }},
		{"http token endpoint", func(s *AuthorizationServer) { s.TokenEndpoint = "http://auth.example.com/token" }},
		{"no code response type", func(s *AuthorizationServer) { s.ResponseTypesSupported = []string{"token"} }},
		{"no refresh_token grant", func(s *AuthorizationServer) { s.GrantTypesSupported = []string{"authorization_code"} }},
		{"no S256", func(s *AuthorizationServer) { s.CodeChallengeMethods = []string{"plain"} }},
		{"no private_key_jwt", func(s *AuthorizationServer) { s.TokenEndpointAuthMethods = []string{"none"} }},
		{"none signing alg", func(s *AuthorizationServer) {
			s.TokenEndpointAuthSigningAlgs = []string{"ES256", "none"}
		}},
		{"no ES256 dpop alg", func(s *AuthorizationServer) { s.DPoPSigningAlgs = []string{"RS256"} }},
		{"no atproto scope", func(s *AuthorizationServer) { s.ScopesSupported = []string{"email"} }},
		{"iss parameter unsupported", func(s *AuthorizationServer) { s.IssParameterSupported = false }},
		{"PAR optional", func(s *AuthorizationServer) { s.RequirePAR = false }},
		{"no client metadata documents", func(s *AuthorizationServer) { s.ClientIDMetadataDocument = false }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := validAuthServer("https://auth.example.com")
			tc.mutate(doc)
			err := doc.validate("https://auth.example.com/.well-known/oauth-authorization-server")
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var ias *InvalidAuthorizationServerError
			if !errors.As(err, &ias) {
				t.Fatalf("expected InvalidAuthorizationServerError, got %T: %v", err, err)
			}
		})
	}
}

func TestResourceServerFromURL(t *testing.T) {
	hc := transport.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-protected-resource" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ResourceServer{
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	got, err := ResourceServerFromURL(context.Background(), hc, srv.URL)
	if err != nil {
		t.Fatalf("ResourceServerFromURL: %v", err)
	}
	if got.AuthorizationServerIssuer() != "https://auth.example.com" {
		t.Errorf("issuer = %q", got.AuthorizationServerIssuer())
	}
}

func TestResourceServerRejectsMultipleEntries(t *testing.T) {
	hc := transport.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ResourceServer{
			AuthorizationServers: []string{"https://a.example.com", "https://b.example.com"},
		})
	}))
	defer srv.Close()

	_, err := ResourceServerFromURL(context.Background(), hc, srv.URL)
	var ias *InvalidAuthorizationServerError
	if !errors.As(err, &ias) {
		t.Fatalf("expected InvalidAuthorizationServerError, got %v", err)
	}
}

func TestResourceServerRejectsNonOriginEntry(t *testing.T) {
	hc := transport.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ResourceServer{
			AuthorizationServers: []string{"https://auth.example.com/path?x=1"},
		})
	}))
	defer srv.Close()

	_, err := ResourceServerFromURL(context.Background(), hc, srv.URL)
	var ias *InvalidAuthorizationServerError
	if !errors.As(err, &ias) {
		t.Fatalf("expected InvalidAuthorizationServerError, got %v", err)
	}
}
