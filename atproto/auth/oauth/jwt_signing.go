package oauth

import (
	"crypto"
	"fmt"

	atcrypto "github.com/flushes/flushes/atproto/crypto"

	"github.com/golang-jwt/jwt/v5"
)

var signingMethodES256 *signingMethodAtproto

// Implementation of jwt.SigningMethod for the `atproto/crypto` types.
type signingMethodAtproto struct {
	alg    string
	hash   crypto.Hash
	sigLen int
}

func init() {
	// tells JWT library to serialize 'aud' as regular string, not array of strings (when signing)
	jwt.MarshalSingleStringAsArray = false

	signingMethodES256 = &signingMethodAtproto{
		alg:    "ES256",
		hash:   crypto.SHA256,
		sigLen: 64,
	}
	jwt.RegisterSigningMethod(signingMethodES256.Alg(), func() jwt.SigningMethod {
		return signingMethodES256
	})
}

func (sm *signingMethodAtproto) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(atcrypto.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}

	if !sm.hash.Available() {
		return jwt.ErrHashUnavailable
	}

	if len(sig) != sm.sigLen {
		return jwt.ErrTokenSignatureInvalid
	}

	// other JOSE implementations do not normalize to low-S
	return pub.HashAndVerifyLenient([]byte(signingString), sig)
}

func (sm *signingMethodAtproto) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(atcrypto.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}

	return priv.HashAndSign([]byte(signingString))
}

func (sm *signingMethodAtproto) Alg() string {
	return sm.alg
}

func keySigningMethod(key atcrypto.PrivateKey) (jwt.SigningMethod, error) {
	switch key.(type) {
	case *atcrypto.PrivateKeyP256:
		return signingMethodES256, nil
	}
	return nil, fmt.Errorf("unsupported DPoP key type: %T", key)
}
