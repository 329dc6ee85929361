package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flushes/flushes/atproto/crypto"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime of a DPoP proof. Servers also enforce their own window on 'iat'.
var DPoPProofTTL = 60 * time.Second

type DPoPParams struct {
	// HTTP method, eg "POST"
	Method string
	// Full request URL, including query string, exactly as sent
	URL string
	// Most recently observed server nonce, if any
	Nonce string
	// Access token the proof accompanies; results in an 'ath' claim
	AccessToken string
}

type DPoPClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	AccessTokenHash *string `json:"ath,omitempty"`
	Nonce           *string `json:"nonce,omitempty"`
}

// Signs a fresh single-use DPoP proof JWT. Only the public half of the key is embedded.
func NewDPoPProof(key crypto.PrivateKey, p DPoPParams) (string, error) {
	if p.Method == "" || p.URL == "" {
		return "", errors.New("DPoP proof requires method and URL")
	}
	keyMethod, err := keySigningMethod(key)
	if err != nil {
		return "", err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return "", err
	}
	pubJWK, err := pub.JWK()
	if err != nil {
		return "", fmt.Errorf("serializing DPoP public key: %w", err)
	}

	now := time.Now()
	claims := DPoPClaims{
		HTTPMethod: p.Method,
		TargetURI:  p.URL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DPoPProofTTL)),
		},
	}
	if p.Nonce != "" {
		claims.Nonce = &p.Nonce
	}
	if p.AccessToken != "" {
		ath := S256CodeChallenge(p.AccessToken)
		claims.AccessTokenHash = &ath
	}

	token := jwt.NewWithClaims(keyMethod, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pubJWK
	return token.SignedString(key)
}

// Verifies a DPoP proof against the public key embedded in its own header, returning the claims and that key. Does not check the nonce, 'htm' or 'htu'; the caller compares those.
func ParseDPoPProof(proof string) (*DPoPClaims, *crypto.PublicKeyP256, error) {
	var pub *crypto.PublicKeyP256
	var claims DPoPClaims
	_, err := jwt.ParseWithClaims(proof, &claims, func(token *jwt.Token) (any, error) {
		if typ, _ := token.Header["typ"].(string); typ != "dpop+jwt" {
			return nil, fmt.Errorf("unexpected DPoP typ: %v", token.Header["typ"])
		}
		raw, ok := token.Header["jwk"]
		if !ok {
			return nil, errors.New("DPoP proof missing jwk header")
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		pub, err = crypto.ParsePublicJWKBytes(b)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{signingMethodES256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, nil, err
	}
	return &claims, pub, nil
}
