// Package transport provides the shared HTTP client used for all outbound
// requests: metadata discovery, identity resolution, PAR and token exchange.
// It enforces HTTPS (localhost excepted), blocks private address ranges to
// prevent SSRF via malicious PDS URLs or DID documents, caps redirects and
// response sizes, and applies a per-request timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atoauth/internal/atproto/atutil"
)

const (
	// DefaultTimeout bounds every outbound request.
	DefaultTimeout = 10 * time.Second

	// MaxResponseBytes caps response bodies read into memory.
	MaxResponseBytes = 10 << 20 // 10 MiB

	maxRedirects = 5
)

// SSRFError is returned when a request targets a private or otherwise
// forbidden address. These are never retried.
type SSRFError struct {
	URL    string
	Reason string
}

func (e *SSRFError) Error() string {
	return fmt.Sprintf("ssrf blocked for %s: %s", e.URL, e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*SSRFError) Code() string { return "ssrf_error" }

// HTTPError is returned for transport-level failures (network errors,
// oversized responses). Protocol-level failures with a status code are the
// caller's to interpret.
type HTTPError struct {
	URL    string
	Reason string
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http request to %s failed: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("http request to %s failed: %s", e.URL, e.Reason)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (*HTTPError) Code() string { return "http_error" }

// Response is the subset of an HTTP response the OAuth core consumes.
// The body has already been read (and size-capped) by the client.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is a goroutine-safe HTTP client with SSRF protections.
// A single instance is shared process-wide.
type Client struct {
	hc           *http.Client
	allowPrivate bool
}

// Option configures a Client.
type Option func(*Client)

// WithAllowPrivate disables the private-address blocklist. For dev and
// test environments that run a local PDS only.
func WithAllowPrivate() Option {
	return func(c *Client) { c.allowPrivate = true }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// New creates the shared HTTP client.
func New(opts ...Option) *Client {
	c := &Client{
		hc: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.hc.Transport = &guardedTransport{
		base: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: DefaultTimeout,
		},
		allowPrivate: c.allowPrivate,
	}
	return c
}

// Get issues a GET request and returns the size-capped response.
func (c *Client) Get(ctx context.Context, rawurl string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawurl, "", headers)
}

// PostForm issues a form-encoded POST request and returns the size-capped
// response.
func (c *Client) PostForm(ctx context.Context, rawurl string, form url.Values, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawurl, form.Encode(), headers)
}

func (c *Client) do(ctx context.Context, method, rawurl, body string, headers map[string]string) (*Response, error) {
	if err := c.CheckURL(rawurl); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return nil, &HTTPError{URL: rawurl, Reason: "building request", Err: err}
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		var ssrf *SSRFError
		if errors.As(err, &ssrf) {
			return nil, ssrf
		}
		return nil, &HTTPError{URL: rawurl, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &HTTPError{URL: rawurl, Reason: "reading response", Err: err}
	}
	if len(data) > MaxResponseBytes {
		return nil, &HTTPError{URL: rawurl, Reason: fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// CheckURL validates a URL before any request is issued: scheme policy and,
// for literal IP hosts, the private-range blocklist. Hostnames are checked
// again at dial time after DNS resolution.
func (c *Client) CheckURL(rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return &HTTPError{URL: rawurl, Reason: "invalid URL", Err: err}
	}

	host := u.Hostname()
	switch u.Scheme {
	case "https":
	case "http":
		if !atutil.IsLocalhost(host) {
			return &SSRFError{URL: rawurl, Reason: "plain http is only allowed for localhost"}
		}
	default:
		return &SSRFError{URL: rawurl, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if c.allowPrivate {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) && !atutil.IsLocalhost(host) {
		return &SSRFError{URL: rawurl, Reason: fmt.Sprintf("address %s is in a blocked range", ip)}
	}
	return nil
}

// guardedTransport re-checks every resolved IP at request time so a hostname
// cannot redirect or re-resolve into a private range.
type guardedTransport struct {
	base         *http.Transport
	allowPrivate bool
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()

	if !t.allowPrivate && !atutil.IsLocalhost(host) {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host: %w", err)
		}
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return nil, &SSRFError{
					URL:    req.URL.String(),
					Reason: fmt.Sprintf("%s resolves to private IP %s", host, ip),
				}
			}
		}
	}

	return t.base.RoundTrip(req)
}

// blockedRanges is the SSRF blocklist: loopback, link-local, RFC 1918 and
// their IPv6 equivalents, plus the 0.0.0.0/8 "this network" block.
var blockedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range blockedRanges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, network)
	}
	return nets
}
