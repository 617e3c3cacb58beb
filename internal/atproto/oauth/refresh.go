package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"atoauth/internal/atproto/metadata"
)

const (
	refreshMaxAttempts = 3
	refreshBaseDelay   = 1 * time.Second
	refreshMaxDelay    = 8 * time.Second
)

// RefreshToken performs the refresh_token grant for a session under its
// lock. Transient failures are retried with exponential backoff up to three
// attempts; fatal responses (invalid_grant, 401, malformed tokens) abort
// immediately.
func (c *Client) RefreshToken(ctx context.Context, sessionID string) (*TokenSet, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Renewable() {
		return nil, &RefreshError{Reason: "session has no refresh token", RetryPossible: false}
	}
	if session.AuthServer == nil {
		return nil, &RefreshError{Reason: "session is not bound to an authorization server", RetryPossible: false}
	}

	var tokens *TokenSet
	err = c.sessions.WithSessionLock(ctx, sessionID, func() error {
		refreshed, err := c.refreshWithRetry(ctx, session)
		if err != nil {
			return err
		}
		if err := session.SetTokens(refreshed); err != nil {
			return err
		}
		if err := c.sessions.persist(ctx, session); err != nil {
			return err
		}
		tokens = refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *Client) refreshWithRetry(ctx context.Context, session *Session) (*TokenSet, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = refreshBaseDelay
	bo.MaxInterval = refreshMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	attempt := 0
	operation := func() (*TokenSet, error) {
		attempt++
		tokens, err := c.refreshOnce(ctx, session)
		if err != nil {
			c.log.Warn("token refresh attempt failed",
				"session_id", session.SessionID, "attempt", attempt, "error", err)
		}
		return tokens, err
	}

	tokens, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(refreshMaxAttempts),
	)
	if err != nil {
		var re *RefreshError
		if errors.As(err, &re) && !re.RetryPossible {
			return nil, err
		}
		var te *TokenError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &RefreshError{
			Reason:        fmt.Sprintf("giving up after %d attempts", refreshMaxAttempts),
			RetryPossible: false,
			Err:           err,
		}
	}
	return tokens, nil
}

// refreshOnce sends one refresh attempt and classifies the outcome: a nil
// error is success, a permanent error aborts the loop, anything else is
// retried.
func (c *Client) refreshOnce(ctx context.Context, session *Session) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {session.Tokens.RefreshToken},
		"scope":         {session.Scope},
		"client_id":     {c.meta.ClientID},
	}
	if c.meta.Confidential() {
		assertion, err := c.clientAssertion(session.AuthServer.Issuer)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		form.Set("client_assertion_type", metadata.ClientAssertionType)
		form.Set("client_assertion", assertion)
	}

	resp, err := c.postTokenOnce(ctx, session.AuthServer.TokenEndpoint, form)
	if err != nil {
		return nil, &RefreshError{Reason: "request failed", RetryPossible: true, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		tokens, err := parseTokenResponse(resp.Body, session.Scope, session.Tokens.Sub)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return tokens, nil

	case http.StatusBadRequest:
		oe := parseOAuthError(resp.Body)
		switch oe.Error {
		case "use_dpop_nonce":
			// Nonce already absorbed by postTokenOnce; the retry picks it up.
			return nil, &RefreshError{Reason: "dpop nonce handshake", RetryPossible: true}
		case "invalid_grant":
			return nil, backoff.Permanent(&RefreshError{
				Reason:        "refresh token rejected: " + oe.ErrorDescription,
				RetryPossible: false,
				Err:           &TokenError{Reason: "invalid_grant"},
			})
		default:
			return nil, backoff.Permanent(&RefreshError{
				Reason:        fmt.Sprintf("bad request: %s %s", oe.Error, oe.ErrorDescription),
				RetryPossible: false,
			})
		}

	case http.StatusUnauthorized:
		return nil, backoff.Permanent(&RefreshError{
			Reason:        "refresh token revoked",
			RetryPossible: false,
		})

	case http.StatusTooManyRequests:
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
		}
		return nil, &RefreshError{Reason: "rate limited", RetryPossible: true}

	default:
		oe := parseOAuthError(resp.Body)
		return nil, &RefreshError{
			Reason:        fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, oe.Error),
			RetryPossible: true,
		}
	}
}
