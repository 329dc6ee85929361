package crypto

import (
	"errors"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Common interface for private keys which can produce signatures.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	// Outputs the corresponding public key.
	PublicKey() (PublicKey, error)

	// SHA-256 hashes the content, then signs the digest, returning a 64-byte r||s signature.
	HashAndSign(content []byte) ([]byte, error)
}

// Private keys which can be serialized for storage.
type PrivateKeyExportable interface {
	PrivateKey

	Bytes() []byte
	Multibase() string
	JWK() (*JWK, error)
}

type PublicKey interface {
	Equal(other PublicKey) bool

	// SHA-256 hashes the content and verifies a 64-byte r||s signature, requiring "low-S".
	HashAndVerify(content, sig []byte) error

	// Same as HashAndVerify, but accepts high-S signatures. Used for JWT validation.
	HashAndVerifyLenient(content, sig []byte) error

	// Compressed curve point bytes.
	Bytes() []byte
	UncompressedBytes() []byte
	Multibase() string
	JWK() (*JWK, error)
}
