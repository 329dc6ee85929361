package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// JSON Web Key for EC keys. The private scalar 'd' is only populated by [PrivateKeyP256.JWK].
type JWK struct {
	KeyType string  `json:"kty"`
	Curve   string  `json:"crv"`
	X       string  `json:"x"`
	Y       string  `json:"y"`
	D       string  `json:"d,omitempty"`
	Use     string  `json:"use,omitempty"`
	KeyID   *string `json:"kid,omitempty"`
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (k *PublicKeyP256) JWK() (*JWK, error) {
	// coordinates are fixed-width, so leading zero bytes must be kept
	raw := k.UncompressedBytes()
	if len(raw) != 65 {
		return nil, fmt.Errorf("unexpected P-256 uncompressed size: %d", len(raw))
	}
	return &JWK{
		KeyType: "EC",
		Curve:   "P-256",
		X:       b64(raw[1:33]),
		Y:       b64(raw[33:65]),
	}, nil
}

// Full private JWK, including 'd'. This must never be sent over the network.
func (k *PrivateKeyP256) JWK() (*JWK, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	jwk, err := pub.JWK()
	if err != nil {
		return nil, err
	}
	jwk.D = b64(k.Bytes())
	return jwk, nil
}

// Public half of a JWK, with 'd' and other private fields dropped.
func (j JWK) Public() JWK {
	return JWK{KeyType: j.KeyType, Curve: j.Curve, X: j.X, Y: j.Y, Use: j.Use, KeyID: j.KeyID}
}

func ParsePublicJWK(jwk JWK) (*PublicKeyP256, error) {
	if jwk.KeyType != "EC" {
		return nil, fmt.Errorf("unsupported JWK key type: %s", jwk.KeyType)
	}
	if jwk.Curve != "P-256" {
		return nil, fmt.Errorf("unsupported JWK curve: %s", jwk.Curve)
	}
	xbuf, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("invalid JWK base64 encoding: %w", err)
	}
	ybuf, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid JWK base64 encoding: %w", err)
	}
	return newPublicP256(new(big.Int).SetBytes(xbuf), new(big.Int).SetBytes(ybuf))
}

func ParsePublicJWKBytes(data []byte) (*PublicKeyP256, error) {
	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parsing JWK JSON: %w", err)
	}
	return ParsePublicJWK(jwk)
}

// Restores a private key from its JWK form; the public coordinates must match 'd'.
func ParsePrivateJWK(jwk JWK) (*PrivateKeyP256, error) {
	if jwk.D == "" {
		return nil, fmt.Errorf("JWK has no private key material")
	}
	pub, err := ParsePublicJWK(jwk)
	if err != nil {
		return nil, err
	}
	dbuf, err := base64.RawURLEncoding.DecodeString(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("invalid JWK base64 encoding: %w", err)
	}
	priv, err := ParsePrivateBytesP256(dbuf)
	if err != nil {
		return nil, err
	}
	derived, err := priv.PublicKey()
	if err != nil {
		return nil, err
	}
	if !derived.Equal(pub) {
		return nil, fmt.Errorf("JWK public coordinates do not match private key")
	}
	return priv, nil
}

func ParsePrivateJWKBytes(data []byte) (*PrivateKeyP256, error) {
	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("parsing JWK JSON: %w", err)
	}
	return ParsePrivateJWK(jwk)
}

// RFC 7638 thumbprint (SHA-256, base64url) over the required EC members in lexical order.
func (j JWK) Thumbprint() string {
	canonical := fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q,"y":%q}`, j.Curve, j.KeyType, j.X, j.Y)
	sum := sha256.Sum256([]byte(canonical))
	return b64(sum[:])
}

// Exposes the stdlib key, for interop with other JOSE libraries.
func (k *PublicKeyP256) ECDSA() *ecdsa.PublicKey {
	pub := k.pub
	return &pub
}
