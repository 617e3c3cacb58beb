// Package identity resolves AT Protocol handles and DIDs and verifies the
// bindings between handle, DID document, PDS and authorization server that
// the OAuth flow depends on.
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"atoauth/internal/atproto/atutil"
	"atoauth/internal/atproto/metadata"
	"atoauth/internal/atproto/transport"
)

const (
	// DefaultPLCURL is the public PLC directory.
	DefaultPLCURL = "https://plc.directory"

	// DefaultDNSTimeout bounds the TXT lookup during handle resolution.
	DefaultDNSTimeout = 3 * time.Second
)

// TXTLookup resolves DNS TXT records. It matches net.Resolver.LookupTXT and
// exists so tests can stub DNS.
type TXTLookup func(ctx context.Context, name string) ([]string, error)

// Resolver resolves handles to DIDs, fetches DID documents and verifies
// identity bindings. Goroutine-safe.
type Resolver struct {
	hc         *transport.Client
	plcURL     string
	dnsTimeout time.Duration
	lookupTXT  TXTLookup
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPLCURL overrides the PLC directory base URL.
func WithPLCURL(u string) ResolverOption {
	return func(r *Resolver) { r.plcURL = strings.TrimSuffix(u, "/") }
}

// WithDNSTimeout overrides the TXT lookup timeout.
func WithDNSTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.dnsTimeout = d }
}

// WithTXTLookup replaces the DNS TXT lookup function.
func WithTXTLookup(fn TXTLookup) ResolverOption {
	return func(r *Resolver) { r.lookupTXT = fn }
}

// NewResolver creates a Resolver backed by the shared HTTP client.
func NewResolver(hc *transport.Client, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		hc:         hc,
		plcURL:     DefaultPLCURL,
		dnsTimeout: DefaultDNSTimeout,
		lookupTXT:  net.DefaultResolver.LookupTXT,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeHandle strips a leading @ and lowercases a handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ResolveHandle resolves a handle to a DID. DNS is authoritative: the
// _atproto TXT record is consulted first, and a present but invalid record
// fails the resolution outright. The HTTPS well-known lookup only runs when
// DNS yields nothing.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = NormalizeHandle(handle)
	if _, err := syntax.ParseHandle(handle); err != nil {
		return "", &ResolutionError{Identifier: handle, Reason: "invalid handle", Err: err}
	}

	if did, found, err := r.resolveHandleDNS(ctx, handle); err != nil {
		return "", err
	} else if found {
		return did, nil
	}

	return r.resolveHandleHTTPS(ctx, handle)
}

func (r *Resolver) resolveHandleDNS(ctx context.Context, handle string) (did string, found bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, r.dnsTimeout)
	defer cancel()

	records, err := r.lookupTXT(dctx, "_atproto."+handle)
	if err != nil {
		// No TXT record (or DNS failure) falls through to the HTTPS path.
		return "", false, nil
	}

	for _, record := range records {
		if !strings.HasPrefix(record, "did=") {
			continue
		}
		candidate := strings.TrimSpace(strings.TrimPrefix(record, "did="))
		if _, perr := syntax.ParseDID(candidate); perr != nil {
			return "", false, &ResolutionError{
				Identifier: handle,
				Reason:     fmt.Sprintf("DNS TXT record carries an invalid DID %q", candidate),
				Err:        perr,
			}
		}
		return candidate, true, nil
	}
	return "", false, nil
}

func (r *Resolver) resolveHandleHTTPS(ctx context.Context, handle string) (string, error) {
	resp, err := r.hc.Get(ctx, "https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", &ResolutionError{Identifier: handle, Reason: "well-known lookup failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ResolutionError{
			Identifier: handle,
			Reason:     fmt.Sprintf("well-known lookup returned status %d", resp.StatusCode),
		}
	}

	did := strings.TrimSpace(string(resp.Body))
	if _, err := syntax.ParseDID(did); err != nil {
		return "", &ResolutionError{Identifier: handle, Reason: "well-known body is not a valid DID", Err: err}
	}
	return did, nil
}

// GetDIDInfo fetches and parses the DID document for a did:plc or did:web
// identifier.
func (r *Resolver) GetDIDInfo(ctx context.Context, did string) (*Document, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return nil, &ResolutionError{Identifier: did, Reason: "invalid DID", Err: err}
	}

	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcURL + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		u, err := didWebDocumentURL(did)
		if err != nil {
			return nil, err
		}
		docURL = u
	default:
		return nil, &ResolutionError{Identifier: did, Reason: "unsupported DID method"}
	}

	resp, err := r.hc.Get(ctx, docURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, &ResolutionError{Identifier: did, Reason: "fetching DID document failed", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &ResolutionError{Identifier: did, Reason: "DID not found"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ResolutionError{
			Identifier: did,
			Reason:     fmt.Sprintf("DID document fetch returned status %d", resp.StatusCode),
		}
	}

	return ParseDocument(resp.Body, did)
}

// didWebDocumentURL maps a did:web identifier to its document URL: the first
// colon separates the domain from an optional path whose remaining colons
// become slashes. Pathless identifiers use the well-known location.
func didWebDocumentURL(did string) (string, error) {
	id := strings.TrimPrefix(did, "did:web:")
	if id == "" {
		return "", &ResolutionError{Identifier: did, Reason: "empty did:web identifier"}
	}

	domain, path, hasPath := strings.Cut(id, ":")
	if !hasPath {
		return "https://" + domain + "/.well-known/did.json", nil
	}
	return "https://" + domain + "/" + strings.ReplaceAll(path, ":", "/") + "/did.json", nil
}

// VerifyPDSBinding checks that the DID document's PDS endpoint matches the
// given PDS URL after normalization.
func (r *Resolver) VerifyPDSBinding(ctx context.Context, did, pdsURL string) error {
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return err
	}

	want, err := atutil.NormalizePDSURL(doc.PDS)
	if err != nil {
		return &DocumentError{DID: did, Reason: "PDS endpoint does not normalize: " + err.Error()}
	}
	got, err := atutil.NormalizePDSURL(pdsURL)
	if err != nil {
		return &ValidationError{Subject: did, Reason: "PDS URL does not normalize: " + err.Error()}
	}
	if want != got {
		return &ValidationError{
			Subject: did,
			Reason:  fmt.Sprintf("PDS mismatch: document says %s, got %s", want, got),
		}
	}
	return nil
}

// VerifyIssuerBinding checks that the authorization server the DID's PDS
// delegates to matches the given issuer.
func (r *Resolver) VerifyIssuerBinding(ctx context.Context, did, issuer string) error {
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return err
	}

	rs, err := metadata.ResourceServerFromURL(ctx, r.hc, doc.PDS)
	if err != nil {
		return err
	}

	want, err := atutil.ServerOrigin(rs.AuthorizationServerIssuer())
	if err != nil {
		return &ValidationError{Subject: did, Reason: "authorization server does not normalize: " + err.Error()}
	}
	got, err := atutil.ServerOrigin(issuer)
	if err != nil {
		return &ValidationError{Subject: did, Reason: "issuer does not normalize: " + err.Error()}
	}
	if want != got {
		return &ValidationError{
			Subject: did,
			Reason:  fmt.Sprintf("issuer mismatch: PDS delegates to %s, got %s", want, got),
		}
	}
	return nil
}

// VerifyHandleBinding checks that the DID document claims the handle in its
// alsoKnownAs list.
func (r *Resolver) VerifyHandleBinding(ctx context.Context, handle, did string) error {
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return err
	}
	if !doc.ClaimsHandle(NormalizeHandle(handle)) {
		return &ValidationError{
			Subject: handle,
			Reason:  fmt.Sprintf("DID document for %s does not claim this handle", did),
		}
	}
	return nil
}
