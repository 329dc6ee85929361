package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"math/big"
)

const (
	PKCEVerifierLength = 64

	// RFC 7636 "unreserved" characters
	pkceCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

type PKCE struct {
	Verifier  string
	Challenge string
}

// Fresh verifier and its S256 challenge. The verifier is only ever sent in the token request.
func NewPKCE() (PKCE, error) {
	buf := make([]byte, PKCEVerifierLength)
	max := big.NewInt(int64(len(pkceCharset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return PKCE{}, err
		}
		buf[i] = pkceCharset[n.Int64()]
	}
	verifier := string(buf)
	return PKCE{
		Verifier:  verifier,
		Challenge: S256CodeChallenge(verifier),
	}, nil
}

// base64url (no padding) of the SHA-256 digest. Also used for the DPoP 'ath' claim.
func S256CodeChallenge(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Checks a challenge the way an authorization server does.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != "S256" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(S256CodeChallenge(verifier)), []byte(challenge)) == 1
}

// Random base64url token with 'n' bytes of entropy.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Opaque state token for one login attempt.
func NewState() string {
	return randomToken(24)
}

func randomNonce() string {
	return randomToken(16)
}
