package syntax

import (
	"errors"
	"strings"
)

// Either a [DID] or a [Handle]; whatever a user typed in a login box.
type AtIdentifier string

func ParseAtIdentifier(raw string) (AtIdentifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("expected AT account identifier, got empty string")
	}
	if strings.HasPrefix(raw, DIDPrefix) {
		did, err := ParseDID(raw)
		if err != nil {
			return "", err
		}
		return did.AtIdentifier(), nil
	}
	handle, err := ParseHandle(raw)
	if err != nil {
		return "", err
	}
	return handle.AtIdentifier(), nil
}

func (n AtIdentifier) IsDID() bool {
	return strings.HasPrefix(string(n), DIDPrefix)
}

func (n AtIdentifier) IsHandle() bool {
	return n != "" && !n.IsDID()
}

func (n AtIdentifier) AsDID() (DID, error) {
	if n.IsDID() {
		return DID(n), nil
	}
	return "", errors.New("AT identifier is not a DID")
}

func (n AtIdentifier) AsHandle() (Handle, error) {
	if n.IsHandle() {
		return Handle(n), nil
	}
	return "", errors.New("AT identifier is not a handle")
}

func (n AtIdentifier) Normalize() AtIdentifier {
	if n.IsHandle() {
		return Handle(n).Normalize().AtIdentifier()
	}
	return n
}

func (n AtIdentifier) String() string {
	return string(n)
}
