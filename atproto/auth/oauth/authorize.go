package oauth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/flushes/flushes/atproto/identity"
)

// Describes the network's canonical (default) hosting.
type NetworkConfig struct {
	// Authorization server used for accounts hosted on the canonical network, and when no account is known
	CanonicalAuthServer string

	// A PDS hostname containing any of these is treated as canonical hosting
	CanonicalHostMarkers []string
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		CanonicalAuthServer:  "https://bsky.social",
		CanonicalHostMarkers: []string{"bsky.social", "bsky.network"},
	}
}

func (n NetworkConfig) IsCanonicalHost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, marker := range n.CanonicalHostMarkers {
		if marker != "" && strings.Contains(hostname, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Which server to authorize against, and which to send data requests to.
type HostBinding struct {
	AuthServerURL string
	// Empty if the account's PDS could not be resolved
	PDSEndpoint string
	ThirdParty  bool
}

// Canonical-network accounts authorize against the canonical auth server but keep their own PDS for data calls. A third-party PDS is both auth server and data host.
func ClassifyHost(acct identity.Account, network NetworkConfig) HostBinding {
	if acct.PDSEndpoint == "" || acct.PDSHost == "" {
		return HostBinding{AuthServerURL: network.CanonicalAuthServer}
	}
	if network.IsCanonicalHost(acct.PDSHost) {
		return HostBinding{
			AuthServerURL: network.CanonicalAuthServer,
			PDSEndpoint:   acct.PDSEndpoint,
		}
	}
	return HostBinding{
		AuthServerURL: acct.PDSEndpoint,
		PDSEndpoint:   acct.PDSEndpoint,
		ThirdParty:    true,
	}
}

type AuthorizationParams struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
	// Optional; a handle or DID
	LoginHint string
}

// Composes the authorization redirect URL for a non-PAR flow. Existing query parameters on the endpoint are kept.
func BuildAuthorizationURL(endpoint string, p AuthorizationParams) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid authorization endpoint: %q", endpoint)
	}
	if p.ClientID == "" || p.RedirectURI == "" || p.State == "" || p.CodeChallenge == "" {
		return "", fmt.Errorf("authorization URL requires client_id, redirect_uri, state and code_challenge")
	}
	q := u.Query()
	q.Set("client_id", p.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("scope", p.Scope)
	q.Set("state", p.State)
	q.Set("code_challenge", p.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	if p.LoginHint != "" {
		q.Set("login_hint", p.LoginHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redirect URL after a successful PAR; only the client ID and request URI are sent through the browser.
func BuildPARRedirectURL(endpoint, clientID, requestURI string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("request_uri", requestURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
