package oauth

import (
	"fmt"

	"atoauth/internal/atproto/metadata"
)

// Session owns one authorization flow from Authorize through token refresh.
// Mutations go through the setters, which enforce the binding invariants;
// concurrent mutations are serialized by the session lock in Manager.
type Session struct {
	SessionID     string                        `json:"session_id"`
	StateToken    string                        `json:"state_token"`
	ClientID      string                        `json:"client_id"`
	Scope         string                        `json:"scope"`
	PKCEVerifier  string                        `json:"pkce_verifier"`
	PKCEChallenge string                        `json:"pkce_challenge"`
	AuthServer    *metadata.AuthorizationServer `json:"auth_server,omitempty"`
	DID           string                        `json:"did,omitempty"`
	PDSURL        string                        `json:"pds_url,omitempty"`
	Tokens        *TokenSet                     `json:"tokens,omitempty"`
}

// SetAuthServer binds the session to an authorization server. Once bound,
// the issuer may not change.
func (s *Session) SetAuthServer(as *metadata.AuthorizationServer) error {
	if as == nil {
		return fmt.Errorf("authorization server must not be nil")
	}
	if s.AuthServer != nil && s.AuthServer.Issuer != as.Issuer {
		return &IssuerMismatchError{Expected: s.AuthServer.Issuer, Got: as.Issuer}
	}
	s.AuthServer = as
	return nil
}

// SetDID binds the session to an account. Once bound, the DID may not
// change.
func (s *Session) SetDID(did string) error {
	if did == "" {
		return fmt.Errorf("did must not be empty")
	}
	if s.DID != "" && s.DID != did {
		return &TokenError{Reason: fmt.Sprintf("session is bound to %s, cannot rebind to %s", s.DID, did)}
	}
	s.DID = did
	return nil
}

// SetTokens stores a token set. The token subject must match the session's
// DID when one is bound; otherwise it binds the DID.
func (s *Session) SetTokens(tokens *TokenSet) error {
	if tokens == nil {
		return fmt.Errorf("tokens must not be nil")
	}
	if s.DID != "" && tokens.Sub != s.DID {
		return &TokenError{Reason: fmt.Sprintf("subject mismatch: expected %s, got %s", s.DID, tokens.Sub)}
	}
	if s.DID == "" && tokens.Sub != "" {
		s.DID = tokens.Sub
	}
	s.Tokens = tokens
	return nil
}

// Authorized reports whether the session holds a live access token.
func (s *Session) Authorized() bool {
	return s.Tokens != nil && !s.Tokens.Expired()
}

// Renewable reports whether the session can refresh its tokens.
func (s *Session) Renewable() bool {
	return s.Tokens != nil && s.Tokens.Renewable()
}
