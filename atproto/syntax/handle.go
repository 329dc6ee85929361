package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	// returned in place of a real handle when the DID document does not round-trip
	HandleInvalid = Handle("handle.invalid")
)

// A syntactically valid handle, eg "alice.bsky.social". Handles are case-insensitive; see [Handle.Normalize].
type Handle string

func ParseHandle(raw string) (Handle, error) {
	// users commonly paste handles with a leading '@'
	raw = strings.TrimPrefix(raw, "@")
	if raw == "" {
		return "", errors.New("expected handle, got empty string")
	}
	if len(raw) > 253 {
		return "", errors.New("handle is too long (253 chars max)")
	}
	if !handleRegex.MatchString(raw) {
		return "", fmt.Errorf("handle syntax didn't validate via regex: %s", raw)
	}
	return Handle(raw), nil
}

func (h Handle) TLD() string {
	parts := strings.Split(string(h.Normalize()), ".")
	return parts[len(parts)-1]
}

// Reserved TLDs are syntactically fine but never resolve on the public network. The '.test' TLD is allowed for development.
func (h Handle) AllowedTLD() bool {
	switch h.TLD() {
	case "local", "arpa", "invalid", "localhost", "internal", "example", "onion", "alt":
		return false
	}
	return true
}

func (h Handle) IsInvalidHandle() bool {
	return h.Normalize() == HandleInvalid
}

func (h Handle) Normalize() Handle {
	return Handle(strings.ToLower(string(h)))
}

func (h Handle) AtIdentifier() AtIdentifier {
	return AtIdentifier(h)
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	handle, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = handle
	return nil
}
