package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entrywayMetadata = `{
	"issuer": "https://bsky.social",
	"request_parameter_supported": true,
	"request_uri_parameter_supported": true,
	"require_request_uri_registration": true,
	"scopes_supported": ["atproto", "transition:email", "transition:generic", "transition:chat.bsky"],
	"subject_types_supported": ["public"],
	"response_types_supported": ["code"],
	"response_modes_supported": ["query", "fragment", "form_post"],
	"grant_types_supported": ["authorization_code", "refresh_token"],
	"code_challenge_methods_supported": ["S256"],
	"authorization_response_iss_parameter_supported": true,
	"pushed_authorization_request_endpoint": "https://bsky.social/oauth/par",
	"require_pushed_authorization_requests": true,
	"dpop_signing_alg_values_supported": ["RS256", "ES256", "ES256K"],
	"authorization_endpoint": "https://bsky.social/oauth/authorize",
	"token_endpoint": "https://bsky.social/oauth/token",
	"client_id_metadata_document_supported": true
}`

func TestValidateAuthServerMetadata(t *testing.T) {
	assert := assert.New(t)

	var meta AuthServerMetadata
	require.NoError(t, json.Unmarshal([]byte(entrywayMetadata), &meta))
	assert.NoError(meta.Validate("https://bsky.social/.well-known/oauth-authorization-server"))
	assert.True(meta.RequirePushedAuthorizationRequests)

	err := meta.Validate("https://evil.example.com/.well-known/oauth-authorization-server")
	assert.True(errors.Is(err, ErrInvalidAuthServerMetadata))

	// sparse metadata is tolerated
	sparse := AuthServerMetadata{Issuer: "https://pds.example.com", AuthorizationEndpoint: "https://pds.example.com/oauth/authorize"}
	assert.NoError(sparse.Validate("https://pds.example.com/.well-known/oauth-authorization-server"))

	bad := sparse
	bad.CodeChallengeMethodsSupported = []string{"plain"}
	assert.Error(bad.Validate("https://pds.example.com"))

	bad = sparse
	bad.RequirePushedAuthorizationRequests = true
	assert.Error(bad.Validate("https://pds.example.com"))

	bad = sparse
	bad.Issuer = "https://pds.example.com/path"
	assert.Error(bad.Validate("https://pds.example.com"))
}

func TestValidateClientMetadata(t *testing.T) {
	assert := assert.New(t)

	config := NewPublicConfig("https://app.example.com/oauth/client-metadata.json", "https://app.example.com/oauth/callback", []string{"atproto", "transition:generic"})
	meta := config.ClientMetadata()
	assert.NoError(meta.Validate(config.ClientID))
	assert.Equal("atproto transition:generic", meta.Scope)
	assert.True(meta.DPoPBoundAccessTokens)
	assert.Error(meta.Validate("https://other.example.com/client-metadata.json"))

	meta.TokenEndpointAuthMethod = "private_key_jwt"
	assert.True(errors.Is(meta.Validate(config.ClientID), ErrInvalidClientMetadata))

	meta = config.ClientMetadata()
	meta.RedirectURIs = []string{"http://app.example.com/oauth/callback"}
	assert.Error(meta.Validate(config.ClientID))

	meta = config.ClientMetadata()
	meta.Scope = "transition:generic"
	assert.Error(meta.Validate(config.ClientID))
}

func TestLocalhostConfig(t *testing.T) {
	assert := assert.New(t)

	config := NewLocalhostConfig("http://127.0.0.1:8080/oauth/callback", []string{"atproto", "transition:generic"})
	assert.True(config.IsLocalhost())
	u, err := url.Parse(config.ClientID)
	assert.NoError(err)
	assert.Equal("localhost", u.Host)
	assert.Equal("http://127.0.0.1:8080/oauth/callback", u.Query().Get("redirect_uri"))
	assert.Equal("atproto transition:generic", u.Query().Get("scope"))

	meta := config.ClientMetadata()
	assert.NoError(meta.Validate(config.ClientID))

	public := NewPublicConfig("https://app.example.com/oauth/client-metadata.json", "https://app.example.com/oauth/callback", nil)
	assert.False(public.IsLocalhost())
}

func TestResolveAuthServer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-protected-resource":
			writeJSON(w, http.StatusOK, `{"resource":"`+srvURL+`","authorization_servers":["`+srvURL+`/"]}`)
		case "/.well-known/oauth-authorization-server":
			writeJSON(w, http.StatusOK, `{"issuer":"`+srvURL+`","authorization_endpoint":"`+srvURL+`/auth","token_endpoint":"`+srvURL+`/token"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	r := &Resolver{Client: srv.Client()}
	authURL, err := r.ResolveAuthServerURL(ctx, srv.URL)
	require.NoError(err)
	assert.Equal(srv.URL, authURL)

	ep := r.ResolveAuthServerEndpoints(ctx, srv.URL+"/")
	assert.True(ep.Discovered)
	assert.Equal(srv.URL, ep.Issuer)
	assert.Equal(srv.URL+"/auth", ep.AuthorizationEndpoint)
	assert.Equal(srv.URL+"/token", ep.TokenEndpoint)
	assert.False(ep.RequirePAR)

	// nothing there: conventional defaults
	ep = r.ResolveAuthServerEndpoints(ctx, srv.URL+"/missing")
	assert.False(ep.Discovered)
	assert.Equal(srv.URL+"/missing"+DefaultTokenPath, ep.TokenEndpoint)
}
