package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// A syntactically valid DID, such as "did:plc:abc123" or "did:web:example.com".
//
// Always use [ParseDID] instead of wrapping strings directly, especially when working with user input.
type DID string

var didRegex = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

// Prefix which marks an account identifier as a DID rather than a handle.
const DIDPrefix = "did:"

func ParseDID(raw string) (DID, error) {
	if raw == "" {
		return "", errors.New("expected DID, got empty string")
	}
	if len(raw) > 2*1024 {
		return "", errors.New("DID is too long (2048 chars max)")
	}
	if !didRegex.MatchString(raw) {
		return "", fmt.Errorf("DID syntax didn't validate via regex: %s", raw)
	}
	return DID(raw), nil
}

// The method segment, eg "plc" or "web", lower-cased.
func (d DID) Method() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// The method-specific identifier: everything after the method segment.
func (d DID) Identifier() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (d DID) AtIdentifier() AtIdentifier {
	return AtIdentifier(d)
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DID) UnmarshalText(text []byte) error {
	did, err := ParseDID(string(text))
	if err != nil {
		return err
	}
	*d = did
	return nil
}
