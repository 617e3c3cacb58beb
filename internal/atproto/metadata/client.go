// Package metadata fetches and validates the OAuth discovery documents: the
// client's self-describing metadata, the resource server (PDS) document and
// the authorization server document. Validation is strict; a document that
// fails any AT Protocol OAuth requirement is rejected outright.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"atoauth/internal/atproto/atutil"
	"atoauth/internal/atproto/transport"
)

// InvalidClientMetadataError reports a client metadata document that fails
// validation. Fatal to the flow.
type InvalidClientMetadataError struct {
	Reason string
}

func (e *InvalidClientMetadataError) Error() string {
	return fmt.Sprintf("invalid client metadata: %s", e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*InvalidClientMetadataError) Code() string { return "invalid_client_metadata" }

func clientErr(format string, args ...any) error {
	return &InvalidClientMetadataError{Reason: fmt.Sprintf(format, args...)}
}

// ClientAssertionType is the fixed assertion type for private_key_jwt.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AuthMethodPrivateKeyJWT is the confidential-client authentication method.
const AuthMethodPrivateKeyJWT = "private_key_jwt"

// ClientMetadata is the client's self-describing metadata document,
// published at the client_id URL. Immutable once validated.
type ClientMetadata struct {
	ClientID                    string          `json:"client_id"`
	ApplicationType             string          `json:"application_type,omitempty"`
	GrantTypes                  []string        `json:"grant_types"`
	ResponseTypes               []string        `json:"response_types"`
	RedirectURIs                []string        `json:"redirect_uris"`
	Scope                       string          `json:"scope"`
	DPoPBoundAccessTokens       bool            `json:"dpop_bound_access_tokens"`
	ClientName                  string          `json:"client_name,omitempty"`
	ClientURI                   string          `json:"client_uri,omitempty"`
	LogoURI                     string          `json:"logo_uri,omitempty"`
	TOSURI                      string          `json:"tos_uri,omitempty"`
	PolicyURI                   string          `json:"policy_uri,omitempty"`
	TokenEndpointAuthMethod     string          `json:"token_endpoint_auth_method,omitempty"`
	TokenEndpointAuthSigningAlg string          `json:"token_endpoint_auth_signing_alg,omitempty"`
	JWKS                        json.RawMessage `json:"jwks,omitempty"`
	JWKSURI                     string          `json:"jwks_uri,omitempty"`
}

// Confidential reports whether the client authenticates with
// private_key_jwt.
func (m *ClientMetadata) Confidential() bool {
	return m.TokenEndpointAuthMethod == AuthMethodPrivateKeyJWT
}

// Keys parses the embedded JWKS. Returns nil when the client publishes its
// keys by reference (jwks_uri) or has none.
func (m *ClientMetadata) Keys() (jwk.Set, error) {
	if len(m.JWKS) == 0 {
		return nil, nil
	}
	set, err := jwk.Parse(m.JWKS)
	if err != nil {
		return nil, clientErr("jwks does not parse: %v", err)
	}
	return set, nil
}

// ClientMetadataFromURL fetches a client metadata document and validates it.
// The client_id inside the document must equal the URL it was fetched from.
func ClientMetadataFromURL(ctx context.Context, hc *transport.Client, rawurl string) (*ClientMetadata, error) {
	if err := requireClientIDURL(rawurl); err != nil {
		return nil, err
	}

	resp, err := hc.Get(ctx, rawurl, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, clientErr("fetching %s returned status %d", rawurl, resp.StatusCode)
	}

	var m ClientMetadata
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, clientErr("document does not parse: %v", err)
	}
	if m.ClientID != rawurl {
		return nil, clientErr("client_id %q does not match document URL %q", m.ClientID, rawurl)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the AT Protocol client metadata requirements.
func (m *ClientMetadata) Validate() error {
	if err := requireClientIDURL(m.ClientID); err != nil {
		return err
	}

	switch m.ApplicationType {
	case "":
		m.ApplicationType = "web"
	case "web", "native":
	default:
		return clientErr("application_type must be web or native, got %q", m.ApplicationType)
	}

	if !contains(m.GrantTypes, "authorization_code") {
		return clientErr("grant_types must include authorization_code")
	}
	for _, gt := range m.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return clientErr("unsupported grant type %q", gt)
		}
	}

	if !contains(m.ResponseTypes, "code") {
		return clientErr("response_types must include code")
	}

	if len(m.RedirectURIs) == 0 {
		return clientErr("redirect_uris must not be empty")
	}
	for _, ru := range m.RedirectURIs {
		if err := m.validateRedirectURI(ru); err != nil {
			return err
		}
	}

	if !scopeContains(m.Scope, "atproto") {
		return clientErr("scope must include atproto")
	}

	if !m.DPoPBoundAccessTokens {
		return clientErr("dpop_bound_access_tokens must be true")
	}

	if m.ClientURI != "" {
		if err := requireSameHost(m.ClientID, m.ClientURI); err != nil {
			return err
		}
	}
	for name, u := range map[string]string{
		"logo_uri":   m.LogoURI,
		"tos_uri":    m.TOSURI,
		"policy_uri": m.PolicyURI,
	} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme != "https" {
			return clientErr("%s must be an https URL, got %q", name, u)
		}
	}

	if m.Confidential() {
		if err := m.validateConfidential(); err != nil {
			return err
		}
	}

	return nil
}

func (m *ClientMetadata) validateConfidential() error {
	if m.TokenEndpointAuthSigningAlg != "ES256" {
		return clientErr("token_endpoint_auth_signing_alg must be ES256 for private_key_jwt, got %q", m.TokenEndpointAuthSigningAlg)
	}

	hasJWKS := len(m.JWKS) > 0
	hasURI := m.JWKSURI != ""
	if hasJWKS == hasURI {
		return clientErr("exactly one of jwks or jwks_uri must be present for private_key_jwt")
	}

	if hasJWKS {
		set, err := m.Keys()
		if err != nil {
			return err
		}
		if set.Len() == 0 {
			return clientErr("jwks must contain at least one key")
		}
		for i := 0; i < set.Len(); i++ {
			key, _ := set.Key(i)
			if key.KeyID() == "" {
				return clientErr("jwks key %d missing kid", i)
			}
			if !signingKey(key) {
				return clientErr("jwks key %q must declare use=sig or key_ops containing sign", key.KeyID())
			}
		}
	}
	return nil
}

func signingKey(key jwk.Key) bool {
	if key.KeyUsage() == string(jwk.ForSignature) {
		return true
	}
	for _, op := range key.KeyOps() {
		if op == jwk.KeyOpSign {
			return true
		}
	}
	return false
}

// validateRedirectURI applies the per-application-type rules: web clients
// redirect back to their own https host (or loopback), native clients may
// additionally use loopback http or a reverse-domain custom scheme.
func (m *ClientMetadata) validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return clientErr("redirect_uri %q does not parse: %v", raw, err)
	}

	clientHost := hostOf(m.ClientID)

	switch m.ApplicationType {
	case "web":
		if u.Scheme != "https" && !isLoopbackHTTP(u) {
			return clientErr("web redirect_uri %q must be https", raw)
		}
		if u.Scheme == "https" && u.Hostname() != clientHost && u.Hostname() != "127.0.0.1" {
			return clientErr("web redirect_uri %q must share the client_id host %q", raw, clientHost)
		}
	case "native":
		switch {
		case u.Scheme == "https":
		case isLoopbackHTTP(u):
		case u.Scheme == reverseHost(clientHost):
			if u.Opaque == "" && u.Path != "/" {
				return clientErr("native custom-scheme redirect_uri %q must have path /", raw)
			}
		default:
			return clientErr("native redirect_uri %q must be https, loopback http, or the %q custom scheme", raw, reverseHost(clientHost))
		}
	}
	return nil
}

func isLoopbackHTTP(u *url.URL) bool {
	return u.Scheme == "http" && (u.Hostname() == "127.0.0.1" || u.Hostname() == "::1" || u.Hostname() == "localhost")
}

// reverseHost turns "app.example.com" into "com.example.app", the custom
// scheme native clients register.
func reverseHost(host string) string {
	parts := strings.Split(host, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// requireClientIDURL accepts an https URL, or http on localhost for
// development clients.
func requireClientIDURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return clientErr("client_id %q does not parse: %v", raw, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !atutil.IsLocalhost(u.Hostname()) {
			return clientErr("client_id %q must be https (http is only allowed on localhost)", raw)
		}
	default:
		return clientErr("client_id %q must be an http(s) URL", raw)
	}
	if u.Host == "" {
		return clientErr("client_id %q missing host", raw)
	}
	return nil
}

func requireSameHost(clientID, other string) error {
	if hostOf(clientID) != hostOf(other) {
		return clientErr("client_uri %q must share the client_id host", other)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func scopeContains(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
