package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultAuthorizePath = "/oauth/authorize"
	DefaultTokenPath     = "/oauth/token"
)

// Where to send the user, and where to exchange the code, for one authorization server.
type AuthServerEndpoints struct {
	// Server base URL (origin), as used for discovery
	ServerURL string

	// Empty when discovery failed
	Issuer string

	AuthorizationEndpoint string
	TokenEndpoint         string

	PAREndpoint string
	RequirePAR  bool

	// False when one or more endpoints are the conventional defaults
	Discovered bool
}

// Conventional endpoint paths, used when metadata discovery fails.
func DefaultAuthServerEndpoints(serverURL string) AuthServerEndpoints {
	serverURL = strings.TrimRight(serverURL, "/")
	return AuthServerEndpoints{
		ServerURL:             serverURL,
		AuthorizationEndpoint: serverURL + DefaultAuthorizePath,
		TokenEndpoint:         serverURL + DefaultTokenPath,
	}
}

// Fetches OAuth metadata documents.
type Resolver struct {
	Client    *http.Client
	UserAgent string
	Logger    *slog.Logger
}

func (r *Resolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With("subsystem", "oauth")
}

func (r *Resolver) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return &TransportError{Endpoint: u, Phase: "metadata", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("fetching %s: HTTP %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return &TransportError{Endpoint: u, Phase: "metadata", Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return nil
}

// Fetches and validates "/.well-known/oauth-authorization-server" for a server origin.
func (r *Resolver) ResolveAuthServerMetadata(ctx context.Context, serverURL string) (*AuthServerMetadata, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	u := serverURL + "/.well-known/oauth-authorization-server"
	var meta AuthServerMetadata
	if err := r.getJSON(ctx, u, &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(u); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Discovers endpoints, falling back to the conventional paths for anything discovery could not provide. Never fails; problems are logged.
func (r *Resolver) ResolveAuthServerEndpoints(ctx context.Context, serverURL string) AuthServerEndpoints {
	ep := DefaultAuthServerEndpoints(serverURL)
	meta, err := r.ResolveAuthServerMetadata(ctx, ep.ServerURL)
	if err != nil {
		r.logger().Warn("auth server metadata discovery failed, using default endpoints", "server", ep.ServerURL, "err", err)
		return ep
	}

	ep.Issuer = meta.Issuer
	ep.Discovered = true
	if meta.AuthorizationEndpoint != "" {
		ep.AuthorizationEndpoint = meta.AuthorizationEndpoint
	} else {
		ep.Discovered = false
	}
	if meta.TokenEndpoint != "" {
		ep.TokenEndpoint = meta.TokenEndpoint
	} else {
		ep.Discovered = false
	}
	ep.PAREndpoint = meta.PushedAuthorizationRequestEndpoint
	ep.RequirePAR = meta.RequirePushedAuthorizationRequests
	return ep
}

// Looks up the authorization server for a resource server (PDS) via "/.well-known/oauth-protected-resource".
func (r *Resolver) ResolveAuthServerURL(ctx context.Context, hostURL string) (string, error) {
	hostURL = strings.TrimRight(hostURL, "/")
	u := hostURL + "/.well-known/oauth-protected-resource"
	var meta ProtectedResourceMetadata
	if err := r.getJSON(ctx, u, &meta); err != nil {
		return "", err
	}
	if len(meta.AuthorizationServers) == 0 {
		return "", &MalformedResponseError{Endpoint: u, Missing: []string{"authorization_servers"}}
	}
	authURL := strings.TrimRight(meta.AuthorizationServers[0], "/")
	parsed, err := url.Parse(authURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid authorization server URL in resource metadata: %q", authURL)
	}
	return authURL, nil
}
