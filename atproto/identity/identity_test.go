package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flushes/flushes/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyedDocJSON = `{
  "did": "did:plc:abc123",
  "alsoKnownAs": ["at://alice.example.com"],
  "verificationMethods": {"atproto": "did:key:zQ3shXjHeiBuRCKmM36cuYnm7YEMzhGnCmCyW92sRJ9pribSF"},
  "rotationKeys": [],
  "services": {
    "atproto_pds": {"type": "AtprotoPersonalDataServer", "endpoint": "https://pds.example.com"}
  }
}`

var legacyDocJSON = `{
  "@context": ["https://www.w3.org/ns/did/v1"],
  "id": "did:plc:abc123",
  "alsoKnownAs": ["at://alice.example.com"],
  "service": [
    {"id": "#atproto_labeler", "type": "AtprotoLabeler", "serviceEndpoint": "https://labeler.example.com"},
    {"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example.com/"}
  ]
}`

func TestParseDIDDocumentShapes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	keyed, err := ParseDIDDocument([]byte(keyedDocJSON))
	require.NoError(err)
	assert.Equal(ShapeKeyed, keyed.Shape)

	legacy, err := ParseDIDDocument([]byte(legacyDocJSON))
	require.NoError(err)
	assert.Equal(ShapeLegacy, legacy.Shape)

	ke, err := keyed.PDSEndpoint()
	require.NoError(err)
	le, err := legacy.PDSEndpoint()
	require.NoError(err)
	assert.Equal("https://pds.example.com", ke)
	assert.Equal(ke, le)

	assert.Equal(syntax.DID("did:plc:abc123"), keyed.DID)
	assert.Equal(keyed.DID, legacy.DID)

	h, err := legacy.DeclaredHandle()
	require.NoError(err)
	assert.Equal(syntax.Handle("alice.example.com"), h)
}

func TestParseDIDDocumentLegacyMatchesByType(t *testing.T) {
	doc, err := ParseDIDDocument([]byte(`{
		"id": "did:web:example.com",
		"service": [{"id": "did:web:example.com#pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://data.example.com"}]
	}`))
	require.NoError(t, err)
	ep, err := doc.PDSEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.com", ep)
}

func TestParseDIDDocumentKeyedWins(t *testing.T) {
	doc, err := ParseDIDDocument([]byte(`{
		"did": "did:plc:abc123",
		"services": {"atproto_pds": {"type": "AtprotoPersonalDataServer", "endpoint": "https://keyed.example.com"}},
		"service": [{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://legacy.example.com"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, ShapeKeyed, doc.Shape)
	ep, err := doc.PDSEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://keyed.example.com", ep)
}

func TestParseDIDDocumentErrors(t *testing.T) {
	_, err := ParseDIDDocument([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = ParseDIDDocument([]byte(`{"id": "did:plc:abc123"}`))
	assert.Error(t, err)

	doc, err := ParseDIDDocument([]byte(`{"id": "did:plc:abc123", "service": []}`))
	require.NoError(t, err)
	_, err = doc.PDSEndpoint()
	assert.ErrorIs(t, err, ErrNoPDSEndpoint)
	_, err = doc.DeclaredHandle()
	assert.ErrorIs(t, err, ErrHandleNotDeclared)
}

type fakeNetwork struct {
	handles     map[string]string
	docs        map[string]string
	handleCalls atomic.Int64
	docCalls    atomic.Int64
}

func (f *fakeNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/xrpc/com.atproto.identity.resolveHandle" {
		f.handleCalls.Add(1)
		did, ok := f.handles[r.URL.Query().Get("handle")]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"InvalidRequest","message":"Unable to resolve handle"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"did":%q}`, did)
		return
	}
	f.docCalls.Add(1)
	doc, ok := f.docs[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, doc)
}

func testResolver(t *testing.T, net *fakeNetwork) *Resolver {
	srv := httptest.NewServer(net)
	t.Cleanup(srv.Close)
	return &Resolver{
		HandleResolverURL: srv.URL,
		PLCURL:            srv.URL,
		HTTPClient:        srv.Client(),
	}
}

func TestResolveHandleToThirdPartyPDS(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	net := &fakeNetwork{
		handles: map[string]string{"alice.example.com": "did:plc:abc123"},
		docs:    map[string]string{"/did:plc:abc123/data": keyedDocJSON},
	}
	r := testResolver(t, net)

	out, err := r.Resolve(ctx, "@Alice.Example.com")
	require.NoError(err)
	assert.False(out.IsDegraded())
	acct := out.Value()
	assert.Equal(syntax.DID("did:plc:abc123"), acct.DID)
	assert.Equal(syntax.Handle("alice.example.com"), acct.Handle)
	assert.Equal("https://pds.example.com", acct.PDSEndpoint)
	assert.Equal("pds.example.com", acct.PDSHost)
}

func TestResolveDIDSkipsHandleResolution(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	net := &fakeNetwork{
		docs: map[string]string{"/did:plc:abc123/data": keyedDocJSON},
	}
	r := testResolver(t, net)

	out, err := r.Resolve(ctx, "did:plc:abc123")
	assert.NoError(err)
	assert.Equal(int64(0), net.handleCalls.Load())
	assert.Equal("pds.example.com", out.Value().PDSHost)
	// handle is taken from the document when the caller only had a DID
	assert.Equal(syntax.Handle("alice.example.com"), out.Value().Handle)
}

func TestResolveHandleFailureIsHardError(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, &fakeNetwork{})

	_, err := r.Resolve(ctx, "nobody.example.com")
	require.Error(t, err)
	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "nobody.example.com", rerr.Identifier)
	assert.Equal(t, http.StatusBadRequest, rerr.StatusCode)
	assert.Contains(t, err.Error(), "nobody.example.com")
}

func TestResolveDocumentFailureDegrades(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	net := &fakeNetwork{
		handles: map[string]string{"alice.example.com": "did:plc:abc123"},
	}
	r := testResolver(t, net)

	out, err := r.Resolve(ctx, "alice.example.com")
	assert.NoError(err)
	assert.True(out.IsDegraded())
	assert.ErrorIs(out.Cause(), ErrDIDNotFound)
	assert.Equal(syntax.DID("did:plc:abc123"), out.Value().DID)
	assert.Empty(out.Value().PDSEndpoint)
	assert.Empty(out.Value().PDSHost)

	_, err = out.Strict()
	assert.ErrorIs(err, ErrDIDNotFound)
}

func TestLookupBestEffort(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, &fakeNetwork{})

	out := r.LookupBestEffort(ctx, "nobody.example.com")
	assert.True(t, out.IsDegraded())
	assert.Equal(t, PlaceholderAccount, out.Value())
	assert.Equal(t, syntax.DID("unknown_did"), out.Value().DID)
	assert.Equal(t, syntax.Handle("unknown"), out.Value().Handle)
}

func TestResolveUnsupportedMethodDegrades(t *testing.T) {
	r := testResolver(t, &fakeNetwork{})
	out, err := r.Resolve(context.Background(), "did:example:123")
	require.NoError(t, err)
	assert.True(t, out.IsDegraded())
	assert.ErrorIs(t, out.Cause(), ErrUnsupportedDIDMethod)
}

func TestCachingResolver(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	net := &fakeNetwork{
		handles: map[string]string{"alice.example.com": "did:plc:abc123"},
		docs:    map[string]string{"/did:plc:abc123/data": legacyDocJSON},
	}
	c := NewCachingResolver(testResolver(t, net), 100, time.Hour, time.Minute)

	for range 3 {
		out, err := c.Resolve(ctx, "alice.example.com")
		assert.NoError(err)
		assert.Equal("https://pds.example.com", out.Value().PDSEndpoint)
	}
	// case and "@" differences share one entry
	_, err := c.Resolve(ctx, "@ALICE.example.com")
	assert.NoError(err)
	assert.Equal(int64(1), net.handleCalls.Load())
	assert.Equal(int64(1), net.docCalls.Load())

	c.Purge("alice.example.com")
	_, err = c.Resolve(ctx, "alice.example.com")
	assert.NoError(err)
	assert.Equal(int64(2), net.handleCalls.Load())
}

func TestCachingResolverErrTTL(t *testing.T) {
	ctx := context.Background()
	net := &fakeNetwork{}
	c := NewCachingResolver(testResolver(t, net), 100, time.Hour, 0)

	_, err := c.Resolve(ctx, "nobody.example.com")
	assert.Error(t, err)
	time.Sleep(time.Millisecond)
	_, err = c.Resolve(ctx, "nobody.example.com")
	assert.Error(t, err)
	assert.Equal(t, int64(2), net.handleCalls.Load())
}
