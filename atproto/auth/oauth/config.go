package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

type ClientConfig struct {
	// Full client metadata URL; or the special "http://localhost" form for development
	ClientID string

	CallbackURL string

	// eg: ["atproto", "transition:generic"]
	Scopes []string

	UserAgent string

	Network NetworkConfig
}

// Configuration for a client with a publicly served client metadata document.
func NewPublicConfig(clientID, callbackURL string, scopes []string) ClientConfig {
	return ClientConfig{
		ClientID:    clientID,
		CallbackURL: callbackURL,
		Scopes:      scopes,
		UserAgent:   "flushes-oauth-client",
		Network:     DefaultNetworkConfig(),
	}
}

// Development-mode configuration. There is no metadata document; the client ID encodes the callback and scopes in its query string.
func NewLocalhostConfig(callbackURL string, scopes []string) ClientConfig {
	params := make(url.Values)
	params.Set("redirect_uri", callbackURL)
	params.Set("scope", strings.Join(scopes, " "))
	return ClientConfig{
		ClientID:    fmt.Sprintf("http://localhost?%s", params.Encode()),
		CallbackURL: callbackURL,
		Scopes:      scopes,
		UserAgent:   "flushes-oauth-client",
		Network:     DefaultNetworkConfig(),
	}
}

func (config *ClientConfig) IsLocalhost() bool {
	return strings.HasPrefix(config.ClientID, "http://localhost")
}

func (config *ClientConfig) Scope() string {
	return strings.Join(config.Scopes, " ")
}

// Client metadata document to serve at the client ID URL.
func (config *ClientConfig) ClientMetadata() ClientMetadata {
	appType := "web"
	return ClientMetadata{
		ClientID:                config.ClientID,
		ApplicationType:         &appType,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   config.Scope(),
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{config.CallbackURL},
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
	}
}
