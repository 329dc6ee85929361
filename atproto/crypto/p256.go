package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// P-256 / secp256r1 / ES256 private key. Secret key material is held in memory.
type PrivateKeyP256 struct {
	privECDH  *ecdh.PrivateKey
	privECDSA ecdsa.PrivateKey
}

type PublicKeyP256 struct {
	pub ecdsa.PublicKey
}

var _ PrivateKey = (*PrivateKeyP256)(nil)
var _ PrivateKeyExportable = (*PrivateKeyP256)(nil)
var _ PublicKey = (*PublicKeyP256)(nil)

func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256 key generation failed: %w", err)
	}
	return fromECDSA(sk)
}

func fromECDSA(sk *ecdsa.PrivateKey) (*PrivateKeyP256, error) {
	skECDH, err := sk.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting P-256 key from ecdsa to ecdh: %w", err)
	}
	return &PrivateKeyP256{privECDSA: *sk, privECDH: skECDH}, nil
}

// Loads a key from the 32-byte scalar returned by [PrivateKeyP256.Bytes].
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	// round-trips through PKCS8 because there is no direct ecdh->ecdsa conversion; 'data' itself is not PKCS8
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	sk, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type after PKCS8 round-trip: %T", parsed)
	}
	return &PrivateKeyP256{privECDSA: *sk, privECDH: skECDH}, nil
}

func (k *PrivateKeyP256) Equal(other PrivateKey) bool {
	o, ok := other.(*PrivateKeyP256)
	if !ok {
		return false
	}
	return k.privECDSA.Equal(&o.privECDSA)
}

// 32-byte scalar, no ASN.1 wrapping.
func (k *PrivateKeyP256) Bytes() []byte {
	return k.privECDH.Bytes()
}

// Multibase (base58btc) encoding with the p256-priv multicodec prefix.
func (k *PrivateKeyP256) Multibase() string {
	// multicodec p256-priv 0x1306, varint [0x86, 0x26]
	kbytes := append([]byte{0x86, 0x26}, k.Bytes()...)
	return "z" + base58.Encode(kbytes)
}

func (k *PrivateKeyP256) PublicKey() (PublicKey, error) {
	pub, ok := k.privECDSA.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected P-256 public key type")
	}
	return &PublicKeyP256{pub: *pub}, nil
}

// Always returns a low-S signature.
func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, &k.privECDSA, hash[:])
	if err != nil {
		return nil, fmt.Errorf("signing with P-256 private key: %w", err)
	}
	s = toLowS(s)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

func ParsePublicUncompressedBytesP256(data []byte) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 public key bytes")
	}
	return newPublicP256(x, y)
}

func newPublicP256(x, y *big.Int) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid P-256 public key (not on curve)")
	}
	return &PublicKeyP256{pub: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

func (k *PublicKeyP256) Equal(other PublicKey) bool {
	o, ok := other.(*PublicKeyP256)
	if !ok {
		return false
	}
	return k.pub.Equal(&o.pub)
}

func (k *PublicKeyP256) UncompressedBytes() []byte {
	return elliptic.Marshal(k.pub.Curve, k.pub.X, k.pub.Y)
}

func (k *PublicKeyP256) Bytes() []byte {
	return elliptic.MarshalCompressed(k.pub.Curve, k.pub.X, k.pub.Y)
}

func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	r, s, err := splitSig(sig)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(content)
	if !ecdsa.Verify(&k.pub, hash[:], r, s) {
		return ErrInvalidSignature
	}
	if !isLowS(s) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyP256) HashAndVerifyLenient(content, sig []byte) error {
	r, s, err := splitSig(sig)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(content)
	if !ecdsa.Verify(&k.pub, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func splitSig(sig []byte) (*big.Int, *big.Int, error) {
	if len(sig) != 64 {
		return nil, nil, fmt.Errorf("crypto: P-256 signatures must be 64 bytes, got len=%d", len(sig))
	}
	return new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:]), nil
}

// Multibase encoding of the compressed point, with the p256-pub multicodec prefix.
func (k *PublicKeyP256) Multibase() string {
	// multicodec p256-pub 0x1200, varint [0x80, 0x24]
	kbytes := append([]byte{0x80, 0x24}, k.Bytes()...)
	return "z" + base58.Encode(kbytes)
}

func (k *PublicKeyP256) DIDKey() string {
	return "did:key:" + k.Multibase()
}
