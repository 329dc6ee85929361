package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var nsidRegex = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?)+(\.[a-zA-Z]([a-zA-Z0-9]{0,62})?)$`)

// Namespaced identifier for XRPC methods and record collections, eg "com.atproto.repo.createRecord".
type NSID string

func ParseNSID(raw string) (NSID, error) {
	if raw == "" {
		return "", errors.New("expected NSID, got empty string")
	}
	if len(raw) > 317 {
		return "", errors.New("NSID is too long (317 chars max)")
	}
	if !nsidRegex.MatchString(raw) {
		return "", fmt.Errorf("NSID syntax didn't validate via regex: %s", raw)
	}
	return NSID(raw), nil
}

// The final segment, eg "createRecord".
func (n NSID) Name() string {
	parts := strings.Split(string(n), ".")
	return parts[len(parts)-1]
}

// Everything but the final segment, lower-cased.
func (n NSID) Authority() string {
	parts := strings.Split(string(n), ".")
	return strings.ToLower(strings.Join(parts[:len(parts)-1], "."))
}

func (n NSID) String() string {
	return string(n)
}

func (n NSID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NSID) UnmarshalText(text []byte) error {
	nsid, err := ParseNSID(string(text))
	if err != nil {
		return err
	}
	*n = nsid
	return nil
}
