package dpop

import (
	"context"
	"fmt"
	"net/http"
)

// Error wraps any failure in proof generation or nonce handling.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dpop %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (*Error) Code() string { return "dpop_error" }

// Client ties proof generation to the per-server nonce store. One instance
// serves the whole OAuth client.
type Client struct {
	gen    *ProofGenerator
	nonces *NonceManager
}

// NewClient creates a DPoP client for a keypair and nonce store.
func NewClient(keys *KeyManager, nonces *NonceManager) *Client {
	return &Client{gen: NewProofGenerator(keys), nonces: nonces}
}

// Keys exposes the underlying key manager.
func (c *Client) Keys() *KeyManager { return c.gen.keys }

// GenerateProof builds a proof for a request. When no nonce is passed
// explicitly, the latest stored nonce for the target server is used.
func (c *Client) GenerateProof(ctx context.Context, method, rawurl, accessToken, nonce string) (string, error) {
	if nonce == "" {
		stored, err := c.nonces.Get(ctx, rawurl)
		if err != nil {
			return "", &Error{Op: "nonce lookup", Err: err}
		}
		nonce = stored
	}

	proof, err := c.gen.Proof(method, rawurl, ProofOptions{
		Nonce:       nonce,
		AccessToken: accessToken,
	})
	if err != nil {
		return "", &Error{Op: "proof generation", Err: err}
	}
	return proof, nil
}

// ProcessResponse inspects a server response for a DPoP-Nonce header (any
// case) and stores it for subsequent proofs.
func (c *Client) ProcessResponse(ctx context.Context, headers http.Header, serverURL string) error {
	nonce := headers.Get("DPoP-Nonce")
	if nonce == "" {
		return nil
	}
	if err := c.nonces.Update(ctx, nonce, serverURL); err != nil {
		return &Error{Op: "nonce update", Err: err}
	}
	return nil
}
