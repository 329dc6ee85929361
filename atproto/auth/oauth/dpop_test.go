package oauth

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/flushes/flushes/atproto/crypto"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKCE(t *testing.T) {
	assert := assert.New(t)

	// RFC 7636, appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	assert.Equal(challenge, S256CodeChallenge(verifier))
	assert.True(VerifyPKCE(verifier, challenge, "S256"))
	assert.False(VerifyPKCE(verifier, challenge, "plain"))
	assert.False(VerifyPKCE("wrong", challenge, "S256"))

	p, err := NewPKCE()
	assert.NoError(err)
	assert.Len(p.Verifier, PKCEVerifierLength)
	for _, c := range p.Verifier {
		assert.True(strings.ContainsRune(pkceCharset, c))
	}
	assert.Equal(S256CodeChallenge(p.Verifier), p.Challenge)
	assert.NotContains(p.Challenge, "=")

	other, err := NewPKCE()
	assert.NoError(err)
	assert.NotEqual(p.Verifier, other.Verifier)
	assert.NotEqual(NewState(), NewState())
}

func TestDPoPProofClaims(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	priv, err := crypto.GeneratePrivateKeyP256()
	require.NoError(err)

	u := "https://pds.example.com/xrpc/com.atproto.repo.listRecords?repo=did%3Aplc%3Aabc123&limit=50"
	proof, err := NewDPoPProof(priv, DPoPParams{
		Method:      "GET",
		URL:         u,
		Nonce:       "abc",
		AccessToken: "token123",
	})
	require.NoError(err)

	claims, pub, err := ParseDPoPProof(proof)
	require.NoError(err)
	assert.Equal("GET", claims.HTTPMethod)
	assert.Equal(u, claims.TargetURI)
	require.NotNil(claims.Nonce)
	assert.Equal("abc", *claims.Nonce)
	require.NotNil(claims.AccessTokenHash)
	assert.Equal(S256CodeChallenge("token123"), *claims.AccessTokenHash)
	assert.NotEmpty(claims.ID)
	assert.WithinDuration(time.Now(), claims.IssuedAt.Time, 5*time.Second)
	assert.Equal(DPoPProofTTL, claims.ExpiresAt.Sub(claims.IssuedAt.Time))

	expected, err := priv.PublicKey()
	require.NoError(err)
	assert.True(expected.Equal(pub))

	// no nonce, no access token
	proof, err = NewDPoPProof(priv, DPoPParams{Method: "POST", URL: "https://bsky.social/oauth/token"})
	require.NoError(err)
	claims, _, err = ParseDPoPProof(proof)
	require.NoError(err)
	assert.Nil(claims.Nonce)
	assert.Nil(claims.AccessTokenHash)

	// proofs are single-use
	again, err := NewDPoPProof(priv, DPoPParams{Method: "POST", URL: "https://bsky.social/oauth/token"})
	require.NoError(err)
	claims2, _, err := ParseDPoPProof(again)
	require.NoError(err)
	assert.NotEqual(claims.ID, claims2.ID)

	_, err = NewDPoPProof(priv, DPoPParams{Method: "POST"})
	assert.Error(err)
}

func TestDPoPProofInterop(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	priv, err := crypto.GeneratePrivateKeyP256()
	require.NoError(err)

	proof, err := NewDPoPProof(priv, DPoPParams{Method: "POST", URL: "https://bsky.social/oauth/token", Nonce: "n1"})
	require.NoError(err)

	msg, err := jws.Parse([]byte(proof))
	require.NoError(err)
	require.Len(msg.Signatures(), 1)
	hdr := msg.Signatures()[0].ProtectedHeaders()
	assert.Equal(jwa.ES256, hdr.Algorithm())
	assert.Equal("dpop+jwt", hdr.Type())
	key := hdr.JWK()
	require.NotNil(key)

	// header carries only the public key
	var raw map[string]any
	b, err := json.Marshal(key)
	require.NoError(err)
	require.NoError(json.Unmarshal(b, &raw))
	assert.NotContains(raw, "d")
	assert.Equal("EC", raw["kty"])
	assert.Equal("P-256", raw["crv"])

	payload, err := jws.Verify([]byte(proof), jws.WithKey(jwa.ES256, key))
	require.NoError(err)
	var claims map[string]any
	require.NoError(json.Unmarshal(payload, &claims))
	assert.Equal("POST", claims["htm"])
	assert.Equal("https://bsky.social/oauth/token", claims["htu"])
	assert.Equal("n1", claims["nonce"])
	assert.NotContains(claims, "ath")
}
