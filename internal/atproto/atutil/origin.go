// Package atutil contains small URL helpers shared by the OAuth, DPoP and
// identity layers.
package atutil

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateOriginURL checks that a URL is a "simple origin URL": an https URL
// that names a server and nothing else. Authorization server issuers and
// resource server entries must satisfy this form to prevent mix-up attacks.
//
// Rules:
//   - scheme must be https
//   - path must be empty or "/"
//   - no query, no fragment, no userinfo
//   - an explicit port is allowed only if it differs from 443
func ValidateOriginURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("origin URL must use https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("origin URL missing host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin URL must not have a path, got %q", u.Path)
	}
	if u.RawQuery != "" {
		return fmt.Errorf("origin URL must not have a query")
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("origin URL must not have a fragment")
	}
	if u.User != nil {
		return fmt.Errorf("origin URL must not contain userinfo")
	}
	if port := u.Port(); port == "443" {
		return fmt.Errorf("origin URL must not spell out the default port")
	}

	return nil
}

// ServerOrigin canonicalizes a URL down to its server origin:
// scheme + host, keeping the port only when it is not the scheme default.
// Non-https schemes are rejected except for localhost, which is allowed
// for development.
func ServerOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("URL missing host: %q", raw)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !IsLocalhost(host) {
			return "", fmt.Errorf("http is only allowed for localhost, got %q", raw)
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == defaultPort(u.Scheme) {
		port = ""
	}

	if port != "" {
		return fmt.Sprintf("%s://%s:%s", u.Scheme, host, port), nil
	}
	return fmt.Sprintf("%s://%s", u.Scheme, host), nil
}

// NormalizeURL strips the default port and the fragment from a URL while
// keeping path and query verbatim. DPoP proofs bind to this form of the
// request URL (the "htu" claim).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute: %q", raw)
	}

	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	return u.String(), nil
}

// NormalizePDSURL normalizes a PDS URL for comparison: lowercased host,
// default port stripped, trailing slash stripped, query and fragment dropped.
func NormalizePDSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute: %q", raw)
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

// IsLocalhost reports whether a hostname refers to the local machine.
func IsLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
