package oauth

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session id or state token does not
// resolve to a live session.
var ErrSessionNotFound = errors.New("session not found")

// PARError reports a failed pushed authorization request. Fatal to the
// current Authorize call.
type PARError struct {
	Status      int
	OAuthError  string
	Description string
}

func (e *PARError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("pushed authorization request failed (status %d): %s: %s", e.Status, e.OAuthError, e.Description)
	}
	if e.OAuthError != "" {
		return fmt.Sprintf("pushed authorization request failed (status %d): %s", e.Status, e.OAuthError)
	}
	return fmt.Sprintf("pushed authorization request failed (status %d)", e.Status)
}

// Code returns the stable machine code for this error kind.
func (*PARError) Code() string { return "par_error" }

// TokenError reports an invalid, expired or mismatched token response.
// Fatal unless explicitly wrapped as retryable by the refresh loop.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token error: %s", e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*TokenError) Code() string { return "token_error" }

// RefreshError governs the refresh retry loop. RetryPossible=false aborts
// immediately.
type RefreshError struct {
	Reason        string
	RetryPossible bool
	Err           error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %s", e.Reason)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (*RefreshError) Code() string { return "refresh_error" }

// InvalidStateError reports a callback whose state token matches no pending
// session.
type InvalidStateError struct {
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state token %q", e.State)
}

// Code returns the stable machine code for this error kind.
func (*InvalidStateError) Code() string { return "invalid_state" }

// IssuerMismatchError reports a callback or session mutation whose issuer
// differs from the one the session is bound to.
type IssuerMismatchError struct {
	Expected string
	Got      string
}

func (e *IssuerMismatchError) Error() string {
	return fmt.Sprintf("issuer mismatch: session is bound to %s, got %s", e.Expected, e.Got)
}

// Code returns the stable machine code for this error kind.
func (*IssuerMismatchError) Code() string { return "issuer_mismatch" }
