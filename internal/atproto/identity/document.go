package identity

import (
	"encoding/json"
	"net/url"
	"strings"

	"atoauth/internal/atproto/atutil"
)

// serviceTypePDS is the service type a DID document uses for its PDS entry.
const serviceTypePDS = "AtprotoPersonalDataServer"

// Service is a service entry in a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is a parsed AT Protocol DID document with the PDS endpoint
// already derived.
type Document struct {
	DID         string    `json:"id"`
	AlsoKnownAs []string  `json:"alsoKnownAs"`
	Services    []Service `json:"service"`

	// PDS is the personal data server endpoint, taken from either the
	// document's pds field or its AtprotoPersonalDataServer service entry.
	PDS string `json:"-"`
}

// ParseDocument decodes a DID document, derives the PDS endpoint and checks
// it is an https URL. The did argument is only used for error reporting when
// the document itself carries no id.
func ParseDocument(raw []byte, did string) (*Document, error) {
	var wire struct {
		ID          string    `json:"id"`
		AlsoKnownAs []string  `json:"alsoKnownAs"`
		Service     []Service `json:"service"`
		PDS         string    `json:"pds"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &DocumentError{DID: did, Reason: "document does not parse: " + err.Error()}
	}
	if wire.ID != "" {
		did = wire.ID
	}

	doc := &Document{
		DID:         did,
		AlsoKnownAs: wire.AlsoKnownAs,
		Services:    wire.Service,
		PDS:         wire.PDS,
	}
	if doc.PDS == "" {
		for _, svc := range wire.Service {
			if svc.Type == serviceTypePDS {
				doc.PDS = svc.ServiceEndpoint
				break
			}
		}
	}

	if doc.PDS == "" {
		return nil, &DocumentError{DID: did, Reason: "no PDS endpoint"}
	}
	u, err := url.Parse(doc.PDS)
	if err != nil || u.Host == "" {
		return nil, &DocumentError{DID: did, Reason: "PDS endpoint is not an absolute URL: " + doc.PDS}
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && atutil.IsLocalhost(u.Hostname())) {
		return nil, &DocumentError{DID: did, Reason: "PDS endpoint must be an https URL, got " + doc.PDS}
	}

	return doc, nil
}

// ClaimsHandle reports whether the document's alsoKnownAs list contains the
// given handle as an at:// URI.
func (d *Document) ClaimsHandle(handle string) bool {
	want := "at://" + strings.ToLower(strings.TrimPrefix(handle, "@"))
	for _, aka := range d.AlsoKnownAs {
		if strings.ToLower(aka) == want {
			return true
		}
	}
	return false
}
