package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/flushes/flushes/atproto/crypto"
	"github.com/flushes/flushes/atproto/syntax"
)

type JWKS struct {
	Keys []crypto.JWK `json:"keys"`
}

// Expected response type from looking up OAuth Protected Resource information on a server (eg, a PDS instance)
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// Must be one of `web` or `native`, with `web` as the default if not specified.
	ApplicationType *string `json:"application_type,omitempty"`

	// `authorization_code` must always be included. `refresh_token` is optional, but must be included if the client will make token refresh requests.
	GrantTypes []string `json:"grant_types"`

	// All scope values which might be requested by the client are declared here. The `atproto` scope is required, so must be included here.
	Scope string `json:"scope"`

	// `code` must be included
	ResponseTypes []string `json:"response_types"`

	// At least one redirect URI is required.
	RedirectURIs []string `json:"redirect_uris"`

	// Always `none`; only public clients are supported.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// DPoP is mandatory for all clients, so this must be present and true
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// human-readable name of the client
	ClientName *string `json:"client_name,omitempty"`

	// not to be confused with client_id, this is a homepage URL for the client. If provided, the client_uri must have the same hostname as client_id.
	ClientURI *string `json:"client_uri,omitempty"`

	// URL to client logo. Only https: URIs are allowed.
	LogoURI *string `json:"logo_uri,omitempty"`

	TosURI    *string `json:"tos_uri,omitempty"`
	PolicyURI *string `json:"policy_uri,omitempty"`
}

func (m *ClientMetadata) Validate(clientID string) error {

	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("%w: client_id", ErrInvalidClientMetadata)
	}

	if m.ApplicationType != nil && !slices.Contains([]string{"web", "native"}, *m.ApplicationType) {
		return fmt.Errorf("%w: application_type must be 'web', 'native', or undefined", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.GrantTypes, "authorization_code") {
		return fmt.Errorf("%w: grant_type must include 'authorization_code'", ErrInvalidClientMetadata)
	}

	if !slices.Contains(strings.Split(m.Scope, " "), "atproto") {
		return fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.ResponseTypes, "code") {
		return fmt.Errorf("%w: response_types must include 'code'", ErrInvalidClientMetadata)
	}

	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must have at least one element", ErrInvalidClientMetadata)
	}

	// 'web' redirect URLs have more restrictions
	if m.ApplicationType == nil || *m.ApplicationType == "web" {
		for _, ru := range m.RedirectURIs {
			u, err := url.Parse(ru)
			if err != nil {
				return fmt.Errorf("%w: invalid web redirect_uris: %w", ErrInvalidClientMetadata, err)
			}
			if u.Scheme != "https" && u.Hostname() != "127.0.0.1" && u.Hostname() != "::1" {
				return fmt.Errorf("%w: web redirect_uris must have 'https' scheme", ErrInvalidClientMetadata)
			}
		}
	}

	if m.TokenEndpointAuthMethod != "none" {
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method", ErrInvalidClientMetadata)
	}

	if !m.DPoPBoundAccessTokens {
		return fmt.Errorf("%w: dpop_bound_access_tokens must be true (DPoP is required)", ErrInvalidClientMetadata)
	}

	return nil
}

type AuthServerMetadata struct {
	// the "origin" URL of the Authorization Server. Must match the origin of the URL used to fetch the metadata document itself.
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`

	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`

	AuthorizationResponseISSParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	RequirePushedAuthorizationRequests bool   `json:"require_pushed_authorization_requests"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`

	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`
}

// Checks the fields this client relies on. Missing optional lists are not an error: servers differ a lot in how complete their metadata is.
func (m *AuthServerMetadata) Validate(serverURL string) error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	u, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if (u.Path != "" && u.Path != "/") || u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: issuer URL", ErrInvalidAuthServerMetadata)
	}

	// check that Issuer matches domain this metadata document was fetched from
	srvu, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != srvu.Scheme || u.Host != srvu.Host {
		return fmt.Errorf("%w: issuer must match request URL", ErrInvalidAuthServerMetadata)
	}

	if len(m.ResponseTypesSupported) > 0 && !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrInvalidAuthServerMetadata)
	}
	if len(m.CodeChallengeMethodsSupported) > 0 && !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_method must include 'S256'", ErrInvalidAuthServerMetadata)
	}
	if len(m.DPoPSigningAlgValuesSupported) > 0 && !slices.Contains(m.DPoPSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: dpop_signing_alg_values_supported must include 'ES256'", ErrInvalidAuthServerMetadata)
	}
	if m.RequirePushedAuthorizationRequests && m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("%w: pushed_authorization_request_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	return nil
}

// The fields which are included in a PAR request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type PushedAuthRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Random identifier for this request, generated by client
	State string `url:"state"`

	// Client-specified URL that will get redirected to by auth server at end of user auth flow
	RedirectURI string `url:"redirect_uri"`

	// Requested auth scopes, as a space-delimited list
	Scope string `url:"scope"`

	// Optional account identifier (DID or handle) to help with user account login and/or account switching
	LoginHint *string `url:"login_hint,omitempty"`

	// Always "code"
	ResponseType string `url:"response_type"`

	// Client-generated PKCE challenge hash, derived from random "verifier" string
	CodeChallenge string `url:"code_challenge"`

	// Always "S256"
	CodeChallengeMethod string `url:"code_challenge_method"`
}

type PushedAuthResponse struct {
	// unique token in URI format, which will be used by the client in the auth flow redirect
	RequestURI string `json:"request_uri"`

	// positive integer indicating number of seconds the `request_uri` is valid for.
	ExpiresIn int `json:"expires_in"`
}

// The fields which are included in an initial token request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type InitialTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Auth server will validate that this matches the redirect URI used during the auth flow (resulting in the auth code)
	RedirectURI string `url:"redirect_uri"`

	// Always `authorization_code`
	GrantType string `url:"grant_type"`

	// Authorization Code provided by the Auth Server via callback at the end of the auth request flow
	Code string `url:"code"`

	// PKCE verifier string. Only included in initial token request
	CodeVerifier string `url:"code_verifier"`
}

// The fields which are included in a token refresh request.
type RefreshTokenRequest struct {
	ClientID string `url:"client_id"`

	// Always `refresh_token`
	GrantType string `url:"grant_type"`

	RefreshToken string `url:"refresh_token"`
}

// Expected response from Auth Server token endpoint, both for initial token request and for refresh requests.
type TokenResponse struct {
	// Account DID
	Subject string `json:"sub"`

	// Usually expected to be the scopes that the client requested, but technically only a subset may have been approved.
	Scope string `json:"scope"`

	// Opaque access token, for requests to the resource server.
	AccessToken string `json:"access_token"`

	// Refresh token, for doing additional token requests to the auth server.
	RefreshToken string `json:"refresh_token"`

	// Expected to be "DPoP"
	TokenType string `json:"token_type"`

	ExpiresIn int `json:"expires_in,omitempty"`

	// Some servers hand over the next nonce in the body as well as the header
	DPoPNonce string `json:"dpop_nonce,omitempty"`
}

// Persisted information about an OAuth Auth Request, between the redirect and the callback.
type AuthRequestData struct {
	// The random identifier generated by the client for the auth request flow. Used as "primary key" for storing and retrieving this information.
	State string `json:"state"`

	// URL of the auth server (eg, PDS or entryway)
	AuthServerURL string `json:"authserver_url"`

	// Full token endpoint URL, as discovered (or defaulted) when the flow started
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// Expected 'iss' callback parameter; empty if metadata discovery failed
	AuthServerIssuer string `json:"authserver_issuer,omitempty"`

	// If the flow started with an account identifier (DID or handle), it is persisted, to verify against the token response.
	AccountDID *syntax.DID `json:"account_did,omitempty"`

	// Handle the account resolved to when the flow started, if any
	Handle string `json:"handle,omitempty"`

	// Data-plane host (PDS) for the account, if known. May differ from AuthServerURL.
	HostURL string `json:"host_url,omitempty"`

	// OAuth scope string (space-separated list)
	Scope string `json:"scope"`

	// set when the auth request went through PAR
	RequestURI string `json:"request_uri,omitempty"`

	// The secret token/nonce which a code challenge was generated from
	PKCEVerifier string `json:"pkce_verifier"`

	// Server-provided DPoP nonce from the auth request (PAR or nonce probe)
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce"`

	// The secret cryptographic key generated by the client for this specific OAuth session
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`
}

// Persisted information about an OAuth session. Used to resume an active session.
type ClientSessionData struct {
	// Account DID for this session.
	AccountDID syntax.DID `json:"account_did"`

	// Random identifier, so one account may hold several concurrent sessions (eg, browsers)
	SessionID string `json:"session_id"`

	// Resolved handle at login time; display only
	Handle string `json:"handle,omitempty"`

	// Base URL of the "resource server" (eg, PDS). Should include scheme, hostname, port; no path or auth info.
	HostURL string `json:"host_url"`

	// Base URL of the "auth server" (eg, PDS or entryway). Should include scheme, hostname, port; no path or auth info.
	AuthServerURL string `json:"authserver_url"`

	// Full token endpoint URL
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// OAuth scope string (space-separated list)
	Scope string `json:"scope"`

	// Token which can be used directly against host ("resource server", eg PDS)
	AccessToken string `json:"access_token"`

	// Token which can be sent to auth server (eg, PDS or entryway) to get a new access token
	RefreshToken string `json:"refresh_token"`

	// Current auth server DPoP nonce
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce"`

	// Current host ("resource server", eg PDS) DPoP nonce
	DPoPHostNonce string `json:"dpop_host_nonce"`

	// The secret cryptographic key generated by the client for this specific OAuth session
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`
}
