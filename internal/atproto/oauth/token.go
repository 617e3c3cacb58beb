package oauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultExpiryBuffer is subtracted from the token lifetime when deciding
// whether a token is still usable, so calls in flight do not race expiry.
const DefaultExpiryBuffer = 30 * time.Second

// TokenSet is the tokens a session holds after a successful exchange.
// Access and refresh tokens are encrypted at rest by the serializer.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	Sub          string    `json:"sub"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has less than the default buffer
// of life left.
func (t *TokenSet) Expired() bool {
	return t.ExpiredWithin(DefaultExpiryBuffer)
}

// ExpiredWithin reports whether the access token expires within the given
// buffer.
func (t *TokenSet) ExpiredWithin(buffer time.Duration) bool {
	return !time.Now().Before(t.ExpiresAt.Add(-buffer))
}

// Renewable reports whether a refresh token is present.
func (t *TokenSet) Renewable() bool {
	return t.RefreshToken != ""
}

// tokenResponse is the wire shape of a token endpoint success.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// parseTokenResponse validates a token endpoint payload and converts it to a
// TokenSet. requestedScope is the scope the client asked for; wantSub, when
// non-empty, must equal the response subject.
func parseTokenResponse(body []byte, requestedScope, wantSub string) (*TokenSet, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TokenError{Reason: fmt.Sprintf("response does not parse: %v", err)}
	}

	if resp.AccessToken == "" {
		return nil, &TokenError{Reason: "response missing access_token"}
	}
	if resp.TokenType != "DPoP" {
		return nil, &TokenError{Reason: fmt.Sprintf("token_type must be DPoP, got %q", resp.TokenType)}
	}
	if resp.ExpiresIn <= 0 {
		return nil, &TokenError{Reason: "response missing expires_in"}
	}
	if resp.Sub == "" {
		return nil, &TokenError{Reason: "response missing sub"}
	}
	if wantSub != "" && resp.Sub != wantSub {
		return nil, &TokenError{Reason: fmt.Sprintf("subject mismatch: expected %s, got %s", wantSub, resp.Sub)}
	}
	if err := validateGrantedScope(resp.Scope, requestedScope); err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
		Sub:          resp.Sub,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// validateGrantedScope requires atproto in the granted scope and rejects
// grants broader than what was requested.
func validateGrantedScope(granted, requested string) error {
	grantedSet := strings.Fields(granted)
	if len(grantedSet) == 0 {
		return &TokenError{Reason: "response missing scope"}
	}

	hasAtproto := false
	requestedSet := map[string]bool{}
	for _, s := range strings.Fields(requested) {
		requestedSet[s] = true
	}
	for _, s := range grantedSet {
		if s == "atproto" {
			hasAtproto = true
		}
		if len(requestedSet) > 0 && !requestedSet[s] {
			return &TokenError{Reason: fmt.Sprintf("granted scope %q was not requested", s)}
		}
	}
	if !hasAtproto {
		return &TokenError{Reason: "granted scope must include atproto"}
	}
	return nil
}

// oauthErrorBody is the wire shape of an OAuth error response.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseOAuthError(body []byte) oauthErrorBody {
	var e oauthErrorBody
	_ = json.Unmarshal(body, &e)
	return e
}
