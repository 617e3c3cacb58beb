package identity

import "fmt"

// ResolutionError is returned when a handle or DID cannot be resolved to an
// identity: DNS and HTTPS lookups failed, the PLC directory had no record, or
// the network was unreachable.
type ResolutionError struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolution failed for %s: %s: %v", e.Identifier, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolution failed for %s: %s", e.Identifier, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (*ResolutionError) Code() string { return "resolution_error" }

// ValidationError is returned when a binding check fails: the DID document
// does not claim the handle, the PDS does not match, or the issuer is not the
// one the PDS delegates to.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("identity validation failed for %s: %s", e.Subject, e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*ValidationError) Code() string { return "identity_validation_error" }

// DocumentError is returned for a DID document that is malformed or is
// missing required data such as the PDS service endpoint.
type DocumentError struct {
	DID    string
	Reason string
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("invalid DID document for %s: %s", e.DID, e.Reason)
}

// Code returns the stable machine code for this error kind.
func (*DocumentError) Code() string { return "did_document_error" }
