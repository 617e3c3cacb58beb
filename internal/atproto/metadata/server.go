package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"atoauth/internal/atproto/atutil"
	"atoauth/internal/atproto/transport"
)

// InvalidAuthorizationServerError reports a server discovery document that
// fails validation, covering both the protected-resource document and the
// authorization server document.
type InvalidAuthorizationServerError struct {
	URL    string
	Reason string
}

func (e *InvalidAuthorizationServerError) Error() string {
	return fmt.Sprintf("invalid authorization server metadata from %s: %s", e.URL, e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*InvalidAuthorizationServerError) Code() string { return "invalid_authorization_server" }

func serverErr(url, format string, args ...any) error {
	return &InvalidAuthorizationServerError{URL: url, Reason: fmt.Sprintf(format, args...)}
}

// ResourceServer is the protected-resource document a PDS serves at
// /.well-known/oauth-protected-resource. It names the authorization server
// that issues tokens for the PDS.
type ResourceServer struct {
	Resource             string   `json:"resource,omitempty"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// AuthorizationServerIssuer returns the single authorization server the
// resource delegates to.
func (r *ResourceServer) AuthorizationServerIssuer() string {
	return r.AuthorizationServers[0]
}

// ResourceServerFromURL fetches and validates the protected-resource
// document for a PDS.
func ResourceServerFromURL(ctx context.Context, hc *transport.Client, pdsURL string) (*ResourceServer, error) {
	wellKnown, err := wellKnownURL(pdsURL, "/.well-known/oauth-protected-resource")
	if err != nil {
		return nil, serverErr(pdsURL, "%v", err)
	}

	resp, err := hc.Get(ctx, wellKnown, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, serverErr(wellKnown, "status %d", resp.StatusCode)
	}

	var rs ResourceServer
	if err := json.Unmarshal(resp.Body, &rs); err != nil {
		return nil, serverErr(wellKnown, "document does not parse: %v", err)
	}
	if len(rs.AuthorizationServers) != 1 {
		return nil, serverErr(wellKnown, "authorization_servers must have exactly one entry, got %d", len(rs.AuthorizationServers))
	}
	if err := atutil.ValidateOriginURL(rs.AuthorizationServers[0]); err != nil {
		return nil, serverErr(wellKnown, "authorization_servers[0]: %v", err)
	}
	return &rs, nil
}

// AuthorizationServer is the authorization server document served at
// /.well-known/oauth-authorization-server. Only documents that satisfy every
// AT Protocol OAuth requirement are returned.
type AuthorizationServer struct {
	Issuer                       string   `json:"issuer"`
	AuthorizationEndpoint        string   `json:"authorization_endpoint"`
	TokenEndpoint                string   `json:"token_endpoint"`
	PAREndpoint                  string   `json:"pushed_authorization_request_endpoint"`
	ResponseTypesSupported       []string `json:"response_types_supported"`
	GrantTypesSupported          []string `json:"grant_types_supported"`
	CodeChallengeMethods         []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods     []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgs []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	DPoPSigningAlgs              []string `json:"dpop_signing_alg_values_supported"`
	ScopesSupported              []string `json:"scopes_supported"`
	IssParameterSupported        bool     `json:"authorization_response_iss_parameter_supported"`
	RequirePAR                   bool     `json:"require_pushed_authorization_requests"`
	ClientIDMetadataDocument     bool     `json:"client_id_metadata_document_supported"`
}

// AuthorizationServerFromIssuer fetches and validates the authorization
// server document. The issuer inside the document must equal the issuer it
// was requested for.
func AuthorizationServerFromIssuer(ctx context.Context, hc *transport.Client, issuer string) (*AuthorizationServer, error) {
	if err := validateIssuerURL(issuer); err != nil {
		return nil, serverErr(issuer, "issuer: %v", err)
	}
	wellKnown, err := wellKnownURL(issuer, "/.well-known/oauth-authorization-server")
	if err != nil {
		return nil, serverErr(issuer, "%v", err)
	}

	resp, err := hc.Get(ctx, wellKnown, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, serverErr(wellKnown, "status %d", resp.StatusCode)
	}

	var as AuthorizationServer
	if err := json.Unmarshal(resp.Body, &as); err != nil {
		return nil, serverErr(wellKnown, "document does not parse: %v", err)
	}
	if as.Issuer != issuer {
		return nil, serverErr(wellKnown, "issuer %q does not match requested issuer %q", as.Issuer, issuer)
	}
	if err := as.validate(wellKnown); err != nil {
		return nil, err
	}
	return &as, nil
}

func (as *AuthorizationServer) validate(src string) error {
	if err := validateIssuerURL(as.Issuer); err != nil {
		return serverErr(src, "issuer: %v", err)
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint":                as.AuthorizationEndpoint,
		"token_endpoint":                        as.TokenEndpoint,
		"pushed_authorization_request_endpoint": as.PAREndpoint,
	} {
		if endpoint == "" {
			return serverErr(src, "%s missing", name)
		}
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return serverErr(src, "%s must be an absolute URL, got %q", name, endpoint)
		}
		if u.Scheme != "https" && !(u.Scheme == "http" && atutil.IsLocalhost(u.Hostname())) {
			return serverErr(src, "%s must be an https URL, got %q", name, endpoint)
		}
	}

	if !contains(as.ResponseTypesSupported, "code") {
		return serverErr(src, "response_types_supported must include code")
	}
	for _, gt := range []string{"authorization_code", "refresh_token"} {
		if !contains(as.GrantTypesSupported, gt) {
			return serverErr(src, "grant_types_supported must include %s", gt)
		}
	}
	if !contains(as.CodeChallengeMethods, "S256") {
		return serverErr(src, "code_challenge_methods_supported must include S256")
	}
	for _, method := range []string{AuthMethodPrivateKeyJWT, "none"} {
		if !contains(as.TokenEndpointAuthMethods, method) {
			return serverErr(src, "token_endpoint_auth_methods_supported must include %s", method)
		}
	}
	if !contains(as.TokenEndpointAuthSigningAlgs, "ES256") {
		return serverErr(src, "token_endpoint_auth_signing_alg_values_supported must include ES256")
	}
	if contains(as.TokenEndpointAuthSigningAlgs, "none") {
		return serverErr(src, "token_endpoint_auth_signing_alg_values_supported must not include none")
	}
	if !contains(as.DPoPSigningAlgs, "ES256") {
		return serverErr(src, "dpop_signing_alg_values_supported must include ES256")
	}
	if !contains(as.ScopesSupported, "atproto") {
		return serverErr(src, "scopes_supported must include atproto")
	}

	if !as.IssParameterSupported {
		return serverErr(src, "authorization_response_iss_parameter_supported must be true")
	}
	if !as.RequirePAR {
		return serverErr(src, "require_pushed_authorization_requests must be true")
	}
	if !as.ClientIDMetadataDocument {
		return serverErr(src, "client_id_metadata_document_supported must be true")
	}
	return nil
}

// validateIssuerURL accepts a strict https origin URL, or an http origin on
// localhost for development servers.
func validateIssuerURL(raw string) error {
	u, err := url.Parse(raw)
	if err == nil && u.Scheme == "http" && atutil.IsLocalhost(u.Hostname()) {
		if u.Path != "" && u.Path != "/" {
			return fmt.Errorf("origin URL must not have a path, got %q", u.Path)
		}
		if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return fmt.Errorf("origin URL must be bare")
		}
		return nil
	}
	return atutil.ValidateOriginURL(raw)
}

// wellKnownURL joins a well-known path onto a base URL, tolerating a
// trailing slash on the base.
func wellKnownURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base URL %q does not parse: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base URL %q missing scheme or host", base)
	}
	return strings.TrimSuffix(base, "/") + path, nil
}
