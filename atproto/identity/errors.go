package identity

import (
	"errors"
	"fmt"
)

var (
	// DID directory returned 404 for the DID.
	ErrDIDNotFound = errors.New("DID not found")

	// DID document did not declare an atproto PDS service.
	ErrNoPDSEndpoint = errors.New("DID document has no PDS service endpoint")

	// DID document did not declare a handle in alsoKnownAs.
	ErrHandleNotDeclared = errors.New("DID document did not declare a handle")

	ErrUnsupportedDIDMethod = errors.New("DID method not supported")
)

// A handle or DID could not be resolved at all. Shown to the user; never retried automatically.
type ResolutionError struct {
	Identifier string
	StatusCode int
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to resolve %q (HTTP %d)", e.Identifier, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to resolve %q: %v", e.Identifier, e.Err)
	}
	return fmt.Sprintf("failed to resolve %q", e.Identifier)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
