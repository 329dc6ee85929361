package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/flushes/flushes/atproto/crypto"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, hostURL, hostNonce string) *ClientSession {
	priv, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	config := NewPublicConfig("https://app.example.com/oauth/client-metadata.json", "https://app.example.com/oauth/callback", []string{"atproto"})
	sess, err := NewClientSession(&config, ClientSessionData{
		AccountDID:              syntax.DID("did:plc:abc123"),
		SessionID:               "sess1",
		HostURL:                 hostURL,
		AuthServerURL:           hostURL,
		AuthServerTokenEndpoint: hostURL + "/oauth/token",
		Scope:                   "atproto",
		AccessToken:             "at1",
		RefreshToken:            "rt1",
		DPoPHostNonce:           hostNonce,
		DPoPPrivateKeyMultibase: priv.Multibase(),
	}, nil, nil)
	require.NoError(t, err)
	return sess
}

type resourceRequest struct {
	Method string
	Auth   string
	Nonce  string
	Ath    string
	Body   string
}

type resourceLog struct {
	lk   sync.Mutex
	reqs []resourceRequest
}

func (l *resourceLog) record(r *http.Request) resourceRequest {
	rr := resourceRequest{Method: r.Method, Auth: r.Header.Get("Authorization")}
	if p := r.Header.Get("DPoP"); p != "" {
		if claims, _, err := ParseDPoPProof(p); err == nil {
			if claims.Nonce != nil {
				rr.Nonce = *claims.Nonce
			}
			if claims.AccessTokenHash != nil {
				rr.Ath = *claims.AccessTokenHash
			}
		}
	}
	b, _ := io.ReadAll(r.Body)
	rr.Body = string(b)
	l.lk.Lock()
	l.reqs = append(l.reqs, rr)
	l.lk.Unlock()
	return rr
}

func TestSessionNonceRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	log := &resourceLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := log.record(r)
		if rr.Nonce != "fresh" {
			w.Header().Set(DPoPNonceHeader, "fresh")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce", error_description="Resource server requires nonce in DPoP proof"`)
			writeJSON(w, http.StatusUnauthorized, `{"error":"use_dpop_nonce","message":"Resource server requires nonce in DPoP proof"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"uri":"at://did:plc:abc123/im.flushing.right.now/3k","cid":"bafy"}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "stale")
	var persisted []ClientSessionData
	sess.PersistCallback = func(ctx context.Context, data ClientSessionData) {
		persisted = append(persisted, data)
	}

	body := []byte(`{"repo":"did:plc:abc123","collection":"im.flushing.right.now"}`)
	out, err := sess.Do(ctx, "POST", srv.URL+"/xrpc/com.atproto.repo.createRecord", body, "application/json")
	require.NoError(err)
	assert.JSONEq(`{"uri":"at://did:plc:abc123/im.flushing.right.now/3k","cid":"bafy"}`, string(out))

	require.Len(log.reqs, 2)
	assert.Equal("stale", log.reqs[0].Nonce)
	assert.Equal("fresh", log.reqs[1].Nonce)
	for _, rr := range log.reqs {
		assert.Equal("POST", rr.Method)
		assert.Equal("DPoP at1", rr.Auth)
		assert.Equal(S256CodeChallenge("at1"), rr.Ath)
		assert.Equal(string(body), rr.Body)
	}

	assert.Equal("fresh", sess.Data().DPoPHostNonce)
	require.Len(persisted, 1)
	assert.Equal("fresh", persisted[0].DPoPHostNonce)
}

func TestSessionAuthFailureNoRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := &resourceLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, `{"error":"invalid_token","message":"token expired"}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "n1")
	_, err := sess.Do(context.Background(), "GET", srv.URL+"/xrpc/com.atproto.server.getSession", nil, "")
	require.Error(err)
	var afe *AuthFailureError
	require.True(errors.As(err, &afe))
	assert.Equal(http.StatusUnauthorized, afe.StatusCode)
	assert.Equal("invalid_token", afe.ErrorCode)
	assert.Equal("token expired", afe.Description)
	assert.Len(log.reqs, 1)
}

func TestSessionNonceRetryOnlyOnce(t *testing.T) {
	assert := assert.New(t)

	log := &resourceLog{}
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		count++
		w.Header().Set(DPoPNonceHeader, fmt.Sprintf("n%d", count))
		writeJSON(w, http.StatusUnauthorized, `{"error":"use_dpop_nonce"}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "n0")
	_, err := sess.Do(context.Background(), "GET", srv.URL+"/xrpc/com.example.get", nil, "")
	var afe *AuthFailureError
	assert.True(errors.As(err, &afe))
	assert.Len(log.reqs, 2)
}

func TestSessionResults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			writeJSON(w, http.StatusOK, `{"ok":true}`)
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "ok")
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/missing":
			writeJSON(w, http.StatusNotFound, `{"error":"RecordNotFound"}`)
		case "/broken":
			writeJSON(w, http.StatusOK, `{"ok":`)
		}
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "n1")

	out, err := sess.Do(ctx, "GET", srv.URL+"/json", nil, "")
	require.NoError(err)
	assert.JSONEq(`{"ok":true}`, string(out))

	out, err = sess.Do(ctx, "GET", srv.URL+"/text", nil, "")
	assert.NoError(err)
	assert.Nil(out)

	out, err = sess.Do(ctx, "DELETE", srv.URL+"/empty", nil, "")
	assert.NoError(err)
	assert.Nil(out)

	_, err = sess.Do(ctx, "GET", srv.URL+"/missing", nil, "")
	var re *RequestError
	require.True(errors.As(err, &re))
	assert.Equal(http.StatusNotFound, re.StatusCode)
	assert.Equal(`{"error":"RecordNotFound"}`, string(re.Body))

	_, err = sess.Do(ctx, "GET", srv.URL+"/broken", nil, "")
	var te *TransportError
	assert.True(errors.As(err, &te))
}

func TestSessionOpportunisticProbe(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	log := &resourceLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		w.Header().Set(DPoPNonceHeader, "probed")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "")
	_, err := sess.Do(context.Background(), "GET", srv.URL+"/xrpc/com.example.get?x=1", nil, "")
	require.NoError(err)
	require.Len(log.reqs, 2)
	assert.Equal("HEAD", log.reqs[0].Method)
	assert.Empty(log.reqs[0].Auth)
	assert.Equal("probed", log.reqs[1].Nonce)

	// nonce is known now; no further probes
	_, err = sess.Do(context.Background(), "GET", srv.URL+"/xrpc/com.example.get?x=2", nil, "")
	require.NoError(err)
	assert.Len(log.reqs, 3)
}

func TestSessionRefresh(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("refresh_token") != "rt1" {
			writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set(DPoPNonceHeader, "as2")
		writeJSON(w, http.StatusOK, `{"sub":"did:plc:abc123","scope":"atproto","access_token":"at2","refresh_token":"rt2","token_type":"DPoP"}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "n1")
	saved := 0
	sess.PersistCallback = func(ctx context.Context, data ClientSessionData) { saved++ }

	tok, err := sess.RefreshTokens(context.Background())
	require.NoError(err)
	assert.Equal("at2", tok)
	d := sess.Data()
	assert.Equal("rt2", d.RefreshToken)
	assert.Equal("as2", d.DPoPAuthServerNonce)
	assert.Equal(1, saved)

	// rotated refresh token; the old one no longer works
	_, err = sess.RefreshTokens(context.Background())
	var afe *AuthFailureError
	assert.True(errors.As(err, &afe))
	assert.Equal("at2", sess.Data().AccessToken)
}

func TestSessionAPIClient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("DPoP") == "" || r.Header.Get("Authorization") != "DPoP at1" {
			writeJSON(w, http.StatusUnauthorized, `{"error":"invalid_token"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"did":"did:plc:abc123","handle":"alice.example.com"}`)
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL, "n1")
	c := sess.APIClient()
	require.NotNil(c.AccountDID)
	assert.Equal(syntax.DID("did:plc:abc123"), *c.AccountDID)

	var out struct {
		Handle string `json:"handle"`
	}
	require.NoError(c.Get(context.Background(), syntax.NSID("com.atproto.server.getSession"), nil, &out))
	assert.Equal("alice.example.com", out.Handle)
}
