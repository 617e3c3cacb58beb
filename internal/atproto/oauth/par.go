package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"atoauth/internal/atproto/dpop"
	"atoauth/internal/atproto/metadata"
	"atoauth/internal/atproto/transport"
)

// PARRequest is a pushed authorization request (RFC 9126).
type PARRequest struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	State         string
	Scope         string

	// Optional.
	LoginHint string
	Nonce     string

	// ClientAssertion, when set, authenticates the client with
	// private_key_jwt. The assertion type is fixed.
	ClientAssertion string
}

// Form validates the request and renders it as a form body.
func (r *PARRequest) Form() (url.Values, error) {
	required := map[string]string{
		"client_id":      r.ClientID,
		"redirect_uri":   r.RedirectURI,
		"code_challenge": r.CodeChallenge,
		"state":          r.State,
		"scope":          r.Scope,
	}
	for name, v := range required {
		if v == "" {
			return nil, fmt.Errorf("par request missing %s", name)
		}
	}
	if !scopeHasAtproto(r.Scope) {
		return nil, fmt.Errorf("par request scope must include atproto")
	}

	form := url.Values{
		"response_type":         {"code"},
		"client_id":             {r.ClientID},
		"redirect_uri":          {r.RedirectURI},
		"code_challenge":        {r.CodeChallenge},
		"code_challenge_method": {PKCEMethod},
		"state":                 {r.State},
		"scope":                 {r.Scope},
	}
	if r.LoginHint != "" {
		form.Set("login_hint", r.LoginHint)
	}
	if r.Nonce != "" {
		form.Set("nonce", r.Nonce)
	}
	if r.ClientAssertion != "" {
		form.Set("client_assertion_type", metadata.ClientAssertionType)
		form.Set("client_assertion", r.ClientAssertion)
	}
	return form, nil
}

// PARResponse is a successful pushed authorization response.
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// PARClient submits pushed authorization requests with DPoP proofs and
// handles the nonce handshake.
type PARClient struct {
	hc   *transport.Client
	dpop *dpop.Client
}

// NewPARClient creates a PAR client.
func NewPARClient(hc *transport.Client, dpopClient *dpop.Client) *PARClient {
	return &PARClient{hc: hc, dpop: dpopClient}
}

// Submit pushes the request to the PAR endpoint. A 400 use_dpop_nonce
// response absorbs the server nonce and retries exactly once; any other
// non-201 outcome is a PARError.
func (c *PARClient) Submit(ctx context.Context, endpoint string, req *PARRequest) (*PARResponse, error) {
	form, err := req.Form()
	if err != nil {
		return nil, &PARError{Status: 0, OAuthError: "invalid_request", Description: err.Error()}
	}

	resp, err := c.post(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusBadRequest {
		if oe := parseOAuthError(resp.Body); oe.Error == "use_dpop_nonce" {
			resp, err = c.post(ctx, endpoint, form)
			if err != nil {
				return nil, err
			}
		}
	}

	if resp.StatusCode != http.StatusCreated {
		oe := parseOAuthError(resp.Body)
		return nil, &PARError{Status: resp.StatusCode, OAuthError: oe.Error, Description: oe.ErrorDescription}
	}

	var out PARResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &PARError{Status: resp.StatusCode, Description: fmt.Sprintf("response does not parse: %v", err)}
	}
	if out.RequestURI == "" || out.ExpiresIn <= 0 {
		return nil, &PARError{Status: resp.StatusCode, Description: "response missing request_uri or expires_in"}
	}
	return &out, nil
}

// post sends one PAR attempt with a fresh proof (which picks up any stored
// nonce) and absorbs a DPoP-Nonce response header.
func (c *PARClient) post(ctx context.Context, endpoint string, form url.Values) (*transport.Response, error) {
	proof, err := c.dpop.GenerateProof(ctx, http.MethodPost, endpoint, "", "")
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.PostForm(ctx, endpoint, form, map[string]string{"DPoP": proof})
	if err != nil {
		return nil, err
	}
	if err := c.dpop.ProcessResponse(ctx, resp.Header, endpoint); err != nil {
		return nil, err
	}
	return resp, nil
}

// AuthorizationURL builds the redirect the user agent follows after a
// successful PAR.
func AuthorizationURL(authorizeEndpoint, requestURI, clientID string) string {
	q := url.Values{
		"request_uri": {requestURI},
		"client_id":   {clientID},
	}
	sep := "?"
	if strings.Contains(authorizeEndpoint, "?") {
		sep = "&"
	}
	return authorizeEndpoint + sep + q.Encode()
}

func scopeHasAtproto(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if s == "atproto" {
			return true
		}
	}
	return false
}
