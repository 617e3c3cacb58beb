package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"atoauth/internal/atproto/atutil"
	"atoauth/internal/atproto/dpop"
	"atoauth/internal/atproto/identity"
	"atoauth/internal/atproto/metadata"
	"atoauth/internal/atproto/transport"
	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

const dpopKeyPrefix = "atproto:dpop:"

// Config wires a Client together. Metadata, Store and Codec are required;
// everything else has a default.
type Config struct {
	// Metadata is the validated client metadata document.
	Metadata *metadata.ClientMetadata

	// RedirectURI is the redirect target for this deployment. Must be one of
	// the metadata's registered redirect URIs.
	RedirectURI string

	// AssertionKey is the private key for private_key_jwt client
	// authentication. Required when the metadata declares a confidential
	// client with a jwks_uri; otherwise the embedded JWKS or an ephemeral
	// key is used.
	AssertionKey jwk.Key

	Store storage.Storage
	Codec *seal.Codec

	// HTTP is the shared outbound client. Defaults to transport.New().
	HTTP *transport.Client

	// Resolver resolves handles and DIDs. Defaults to a resolver over HTTP.
	Resolver *identity.Resolver

	AssertionLifetime time.Duration
	NonceTTL          time.Duration

	// SessionTTL is the storage-level lifetime of session records. Zero keeps
	// sessions until removed.
	SessionTTL time.Duration

	Logger *slog.Logger
}

// AuthorizeRequest selects the account to authorize: exactly one of Handle
// or PDSURL.
type AuthorizeRequest struct {
	Handle string
	PDSURL string

	// Scope defaults to "atproto" and must always include it.
	Scope string
}

// AuthorizeResult is what a caller needs to continue the flow: the URL to
// send the user agent to and the session that tracks the attempt.
type AuthorizeResult struct {
	URL       string
	SessionID string
}

// Client is the public entry point for the OAuth flow. One instance serves
// the whole process; all per-user state lives in sessions.
type Client struct {
	meta        *metadata.ClientMetadata
	redirectURI string

	hc       *transport.Client
	resolver *identity.Resolver
	sessions *Manager
	dpop     *dpop.Client
	par      *PARClient

	assertionKey      jwk.Key
	assertionLifetime time.Duration
	log               *slog.Logger
}

// New builds a Client. The DPoP keypair is loaded from storage when one was
// persisted for this client_id, otherwise generated and persisted encrypted.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("client metadata is required")
	}
	if err := cfg.Metadata.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Codec == nil {
		return nil, fmt.Errorf("storage and codec are required")
	}

	redirectURI := cfg.RedirectURI
	if redirectURI == "" {
		redirectURI = cfg.Metadata.RedirectURIs[0]
	} else if !containsString(cfg.Metadata.RedirectURIs, redirectURI) {
		return nil, fmt.Errorf("redirect URI %q is not registered in the client metadata", redirectURI)
	}

	hc := cfg.HTTP
	if hc == nil {
		hc = transport.New()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = identity.NewResolver(hc)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	keys, err := loadOrCreateDPoPKeys(ctx, cfg.Store, cfg.Codec, cfg.Metadata.ClientID, log)
	if err != nil {
		return nil, err
	}

	var nonceOpts []dpop.NonceOption
	if cfg.NonceTTL > 0 {
		nonceOpts = append(nonceOpts, dpop.WithNonceTTL(cfg.NonceTTL))
	}
	dpopClient := dpop.NewClient(keys, dpop.NewNonceManager(cfg.Store, cfg.Codec, nonceOpts...))

	managerOpts := []ManagerOption{WithManagerLogger(log)}
	if cfg.SessionTTL > 0 {
		managerOpts = append(managerOpts, WithSessionTTL(cfg.SessionTTL))
	}

	c := &Client{
		meta:              cfg.Metadata,
		redirectURI:       redirectURI,
		hc:                hc,
		resolver:          resolver,
		sessions:          NewManager(cfg.Store, cfg.Codec, managerOpts...),
		dpop:              dpopClient,
		par:               NewPARClient(hc, dpopClient),
		assertionKey:      cfg.AssertionKey,
		assertionLifetime: cfg.AssertionLifetime,
		log:               log,
	}
	return c, nil
}

// Sessions exposes the session manager, mainly for serving layers that need
// direct reads.
func (c *Client) Sessions() *Manager { return c.sessions }

// DPoP exposes the DPoP client so callers can absorb nonces from their own
// API responses.
func (c *Client) DPoP() *dpop.Client { return c.dpop }

// Metadata returns the client metadata document this client serves.
func (c *Client) Metadata() *metadata.ClientMetadata { return c.meta }

// Authorize starts a login: resolves the account, discovers its
// authorization server, pushes the authorization request and returns the URL
// to redirect the user agent to.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	scope := req.Scope
	if scope == "" {
		scope = "atproto"
	}
	if !scopeHasAtproto(scope) {
		return nil, fmt.Errorf("scope must include atproto, got %q", scope)
	}
	if (req.Handle == "") == (req.PDSURL == "") {
		return nil, fmt.Errorf("exactly one of handle or pds URL must be given")
	}

	session, err := c.sessions.CreateSession(ctx, c.meta.ClientID, scope)
	if err != nil {
		return nil, err
	}

	var pdsURL, loginHint string
	if req.Handle != "" {
		did, err := c.resolver.ResolveHandle(ctx, req.Handle)
		if err != nil {
			return nil, err
		}
		doc, err := c.resolver.GetDIDInfo(ctx, did)
		if err != nil {
			return nil, err
		}
		if err := session.SetDID(did); err != nil {
			return nil, err
		}
		pdsURL = doc.PDS
		loginHint = identity.NormalizeHandle(req.Handle)
	} else {
		normalized, err := atutil.NormalizePDSURL(req.PDSURL)
		if err != nil {
			return nil, err
		}
		pdsURL = normalized
	}

	rs, err := metadata.ResourceServerFromURL(ctx, c.hc, pdsURL)
	if err != nil {
		return nil, err
	}
	as, err := metadata.AuthorizationServerFromIssuer(ctx, c.hc, rs.AuthorizationServerIssuer())
	if err != nil {
		return nil, err
	}
	if err := session.SetAuthServer(as); err != nil {
		return nil, err
	}
	session.PDSURL = pdsURL

	parReq := &PARRequest{
		ClientID:      c.meta.ClientID,
		RedirectURI:   c.redirectURI,
		CodeChallenge: session.PKCEChallenge,
		State:         session.StateToken,
		Scope:         scope,
		LoginHint:     loginHint,
	}
	if c.meta.Confidential() {
		assertion, err := c.clientAssertion(as.Issuer)
		if err != nil {
			return nil, err
		}
		parReq.ClientAssertion = assertion
	}

	parResp, err := c.par.Submit(ctx, as.PAREndpoint, parReq)
	if err != nil {
		return nil, err
	}

	if err := c.sessions.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	return &AuthorizeResult{
		URL:       AuthorizationURL(as.AuthorizationEndpoint, parResp.RequestURI, c.meta.ClientID),
		SessionID: session.SessionID,
	}, nil
}

// HandleCallback exchanges the authorization code for tokens. The session is
// located by state, the issuer must match the one the session is bound to,
// and the whole exchange runs under the session lock.
func (c *Client) HandleCallback(ctx context.Context, code, state, iss string) (*TokenSet, error) {
	session, err := c.sessions.GetSessionByState(ctx, state)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, &InvalidStateError{State: state}
	}
	if err != nil {
		return nil, err
	}
	if session.AuthServer == nil || session.AuthServer.Issuer != iss {
		expected := ""
		if session.AuthServer != nil {
			expected = session.AuthServer.Issuer
		}
		return nil, &IssuerMismatchError{Expected: expected, Got: iss}
	}

	var tokens *TokenSet
	err = c.sessions.WithSessionLock(ctx, session.SessionID, func() error {
		form := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {c.redirectURI},
			"client_id":     {c.meta.ClientID},
			"code_verifier": {session.PKCEVerifier},
		}
		if c.meta.Confidential() {
			assertion, err := c.clientAssertion(session.AuthServer.Issuer)
			if err != nil {
				return err
			}
			form.Set("client_assertion_type", metadata.ClientAssertionType)
			form.Set("client_assertion", assertion)
		}

		resp, err := c.postTokenForm(ctx, session.AuthServer.TokenEndpoint, form)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			oe := parseOAuthError(resp.Body)
			return &TokenError{Reason: fmt.Sprintf("token exchange failed (status %d): %s %s", resp.StatusCode, oe.Error, oe.ErrorDescription)}
		}

		parsed, err := parseTokenResponse(resp.Body, session.Scope, session.DID)
		if err != nil {
			return err
		}
		if err := session.SetTokens(parsed); err != nil {
			return err
		}
		if err := c.sessions.persist(ctx, session); err != nil {
			return err
		}
		tokens = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// GetTokens returns the session's current token set.
func (c *Client) GetTokens(ctx context.Context, sessionID string) (*TokenSet, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Tokens == nil {
		return nil, &TokenError{Reason: "session has no tokens"}
	}
	return session.Tokens, nil
}

// AuthHeaders produces the headers for an authenticated request to the PDS:
// a DPoP-bound Authorization header and a proof carrying the token hash.
func (c *Client) AuthHeaders(ctx context.Context, sessionID, method, rawurl string) (map[string]string, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Authorized() {
		return nil, &TokenError{Reason: "session is not authorized"}
	}

	proof, err := c.dpop.GenerateProof(ctx, method, rawurl, session.Tokens.AccessToken, "")
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "DPoP " + session.Tokens.AccessToken,
		"DPoP":          proof,
	}, nil
}

// Authorized reports whether the session holds a live access token.
func (c *Client) Authorized(ctx context.Context, sessionID string) bool {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return session.Authorized()
}

// RemoveSession signs the session out.
func (c *Client) RemoveSession(ctx context.Context, sessionID string) error {
	return c.sessions.RemoveSession(ctx, sessionID)
}

// postTokenForm sends one token endpoint request with a DPoP proof,
// absorbing any returned nonce and retrying once on use_dpop_nonce.
func (c *Client) postTokenForm(ctx context.Context, endpoint string, form url.Values) (*transport.Response, error) {
	resp, err := c.postTokenOnce(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest {
		if oe := parseOAuthError(resp.Body); oe.Error == "use_dpop_nonce" {
			return c.postTokenOnce(ctx, endpoint, form)
		}
	}
	return resp, nil
}

func (c *Client) postTokenOnce(ctx context.Context, endpoint string, form url.Values) (*transport.Response, error) {
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

// clientAssertion signs a private_key_jwt assertion with the configured key,
// falling back to the first key of the embedded JWKS.
func (c *Client) clientAssertion(issuer string) (string, error) {
	key := c.assertionKey
	if key == nil {
		set, err := c.meta.Keys()
		if err != nil {
			return "", err
		}
		if set == nil || set.Len() == 0 {
			return "", fmt.Errorf("confidential client has no assertion key configured")
		}
		key, _ = set.Key(0)
	}
	return ClientAssertion(c.meta.ClientID, issuer, key, c.assertionLifetime)
}

// loadOrCreateDPoPKeys restores the persisted DPoP keypair for a client_id,
// or generates one and persists it with the private component encrypted.
func loadOrCreateDPoPKeys(ctx context.Context, store storage.Storage, codec *seal.Codec, clientID string, log *slog.Logger) (*dpop.KeyManager, error) {
	key := dpopKeyPrefix + clientID

	raw, err := store.Get(ctx, key)
	if err == nil {
		var keyObj map[string]any
		if err := codec.Unmarshal(raw, "dpop_key", &keyObj); err == nil {
			exported, err := json.Marshal(keyObj)
			if err == nil {
				if keys, err := dpop.ImportKey(exported); err == nil {
					return keys, nil
				}
			}
		}
		log.Error("persisted dpop key is unusable, generating a new one", "client_id", clientID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	keys, err := dpop.NewKeyManager()
	if err != nil {
		return nil, err
	}
	exported, err := keys.ExportPrivate()
	if err != nil {
		return nil, err
	}
	var keyObj map[string]any
	if err := json.Unmarshal(exported, &keyObj); err != nil {
		return nil, fmt.Errorf("failed to re-parse exported key: %w", err)
	}
	sealed, err := codec.Marshal("dpop_key", keyObj)
	if err != nil {
		return nil, err
	}
	if err := store.Set(ctx, key, sealed, 0); err != nil {
		return nil, err
	}
	return keys, nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
