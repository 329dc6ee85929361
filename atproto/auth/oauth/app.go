package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/flushes/flushes/atproto/crypto"
	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/PuerkitoBio/purell"
)

// High-level OAuth client: starts login flows, processes callbacks, and resumes sessions. One instance is shared across all users; construct it at startup and Close it on shutdown.
type ClientApp struct {
	Config    *ClientConfig
	Store     ClientAuthStore
	Identity  identity.AccountResolver
	Metadata  *Resolver
	Exchanger *TokenExchanger
	Nonces    *NonceFetcher
	Client    *http.Client
	Logger    *slog.Logger
}

// httpClient is used for all OAuth and resource server requests. It must not retry on its own: every DPoP proof is single-use.
func NewClientApp(config *ClientConfig, store ClientAuthStore, ident identity.AccountResolver, httpClient *http.Client) *ClientApp {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := slog.Default().With("subsystem", "oauth")
	nonces := &NonceFetcher{Client: httpClient, Logger: logger}
	return &ClientApp{
		Config:    config,
		Store:     store,
		Identity:  ident,
		Metadata:  &Resolver{Client: httpClient, UserAgent: config.UserAgent, Logger: logger},
		Exchanger: &TokenExchanger{Client: httpClient, Nonces: nonces, Logger: logger},
		Nonces:    nonces,
		Client:    httpClient,
		Logger:    logger,
	}
}

// Result of starting a login.
type AuthFlow struct {
	// Where to send the user's browser
	RedirectURL string

	// Must be kept by the caller (eg, in a signed cookie) and passed back to [ClientApp.ProcessCallback]
	State string

	Account identity.Account
	Binding HostBinding

	// Account resolution fell back; PDS endpoint is unknown until after the token exchange
	Degraded bool
}

// Resolves the account, picks the authorization server, and builds the authorization redirect. An empty identifier starts a flow against the network's canonical auth server.
func (app *ClientApp) StartAuthFlow(ctx context.Context, identifier string) (*AuthFlow, error) {
	flow := AuthFlow{}
	var loginHint string

	if identifier != "" {
		out, err := app.Identity.Resolve(ctx, identifier)
		if err != nil {
			return nil, err
		}
		flow.Account = out.Value()
		flow.Degraded = out.IsDegraded()
		if flow.Degraded {
			app.Logger.Warn("account resolution degraded, using canonical auth server", "identifier", identifier, "err", out.Cause())
		}
		loginHint = identifier
		if flow.Account.Handle != "" {
			loginHint = flow.Account.Handle.String()
		}
	}
	flow.Binding = ClassifyHost(flow.Account, app.Config.Network)

	ep := app.Metadata.ResolveAuthServerEndpoints(ctx, flow.Binding.AuthServerURL)
	if !ep.Discovered && flow.Binding.ThirdParty {
		// PDS may delegate to a separate authorization server
		if authURL, err := app.Metadata.ResolveAuthServerURL(ctx, flow.Binding.PDSEndpoint); err == nil && authURL != ep.ServerURL {
			app.Logger.Info("PDS delegates authorization", "pds", flow.Binding.PDSEndpoint, "authServer", authURL)
			flow.Binding.AuthServerURL = authURL
			ep = app.Metadata.ResolveAuthServerEndpoints(ctx, authURL)
		}
	}

	priv, err := crypto.GeneratePrivateKeyP256()
	if err != nil {
		return nil, err
	}
	pkce, err := NewPKCE()
	if err != nil {
		return nil, err
	}
	flow.State = NewState()

	info := AuthRequestData{
		State:                   flow.State,
		AuthServerURL:           flow.Binding.AuthServerURL,
		AuthServerTokenEndpoint: ep.TokenEndpoint,
		AuthServerIssuer:        ep.Issuer,
		HostURL:                 flow.Binding.PDSEndpoint,
		Scope:                   app.Config.Scope(),
		PKCEVerifier:            pkce.Verifier,
		DPoPPrivateKeyMultibase: priv.Multibase(),
	}
	if flow.Account.DID != "" {
		did := flow.Account.DID
		info.AccountDID = &did
		info.Handle = flow.Account.Handle.String()
	}

	if ep.RequirePAR && ep.PAREndpoint != "" {
		req := PushedAuthRequest{
			ClientID:      app.Config.ClientID,
			State:         flow.State,
			RedirectURI:   app.Config.CallbackURL,
			Scope:         info.Scope,
			CodeChallenge: pkce.Challenge,
		}
		if loginHint != "" {
			req.LoginHint = &loginHint
		}
		parResp, nonce, err := app.Exchanger.PushAuthorization(ctx, ep.PAREndpoint, priv, "", req)
		if err != nil {
			return nil, err
		}
		info.RequestURI = parResp.RequestURI
		info.DPoPAuthServerNonce = nonce
		flow.RedirectURL, err = BuildPARRedirectURL(ep.AuthorizationEndpoint, app.Config.ClientID, parResp.RequestURI)
		if err != nil {
			return nil, err
		}
	} else {
		flow.RedirectURL, err = BuildAuthorizationURL(ep.AuthorizationEndpoint, AuthorizationParams{
			ClientID:      app.Config.ClientID,
			RedirectURI:   app.Config.CallbackURL,
			Scope:         info.Scope,
			State:         flow.State,
			CodeChallenge: pkce.Challenge,
			LoginHint:     loginHint,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := app.Store.SaveAuthRequestInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("persisting auth request: %w", err)
	}
	app.Logger.Info("started OAuth flow", "authServer", info.AuthServerURL, "thirdParty", flow.Binding.ThirdParty, "par", info.RequestURI != "")
	return &flow, nil
}

// Completes a login from the authorization server's redirect.
//
// expectedState is the state kept by the caller since [ClientApp.StartAuthFlow]. If it does not exactly match the callback's 'state', [ErrStateMismatch] is returned and no token request is made.
func (app *ClientApp) ProcessCallback(ctx context.Context, expectedState string, params url.Values) (*ClientSessionData, error) {
	state := params.Get("state")
	if expectedState == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return nil, ErrStateMismatch
	}

	info, err := app.Store.GetAuthRequestInfo(ctx, expectedState)
	if err != nil {
		return nil, fmt.Errorf("loading auth request: %w", err)
	}
	// each auth request is good for exactly one callback
	if err := app.Store.DeleteAuthRequestInfo(ctx, expectedState); err != nil {
		app.Logger.Warn("failed to delete auth request", "err", err)
	}

	if errCode := params.Get("error"); errCode != "" {
		return nil, &AuthFailureError{Phase: "callback", ErrorCode: errCode, Description: params.Get("error_description")}
	}
	if iss := params.Get("iss"); iss != "" && info.AuthServerIssuer != "" && !sameIssuer(iss, info.AuthServerIssuer) {
		return nil, &AuthFailureError{Phase: "callback", Description: fmt.Sprintf("issuer mismatch: %q", iss)}
	}
	code := params.Get("code")
	if code == "" {
		return nil, &AuthFailureError{Phase: "callback", Description: "missing authorization code"}
	}

	priv, err := crypto.ParsePrivateMultibase(info.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, err
	}

	tokenResp, nonce, err := app.Exchanger.ExchangeCode(ctx, info.AuthServerTokenEndpoint, priv, info.DPoPAuthServerNonce, InitialTokenRequest{
		ClientID:     app.Config.ClientID,
		RedirectURI:  app.Config.CallbackURL,
		Code:         code,
		CodeVerifier: info.PKCEVerifier,
	})
	if err != nil {
		return nil, err
	}

	did, err := syntax.ParseDID(tokenResp.Subject)
	if err != nil {
		return nil, &MalformedResponseError{Endpoint: info.AuthServerTokenEndpoint, Missing: []string{"sub"}}
	}
	if info.AccountDID != nil && *info.AccountDID != did {
		return nil, &AuthFailureError{Phase: "token", Description: "token subject does not match the account which started the login"}
	}

	sessData := ClientSessionData{
		AccountDID:              did,
		SessionID:               randomNonce(),
		Handle:                  info.Handle,
		HostURL:                 info.HostURL,
		AuthServerURL:           info.AuthServerURL,
		AuthServerTokenEndpoint: info.AuthServerTokenEndpoint,
		Scope:                   tokenResp.Scope,
		AccessToken:             tokenResp.AccessToken,
		RefreshToken:            tokenResp.RefreshToken,
		DPoPAuthServerNonce:     nonce,
		DPoPPrivateKeyMultibase: info.DPoPPrivateKeyMultibase,
	}
	if sessData.Scope == "" {
		sessData.Scope = info.Scope
	}

	// the login may have started without a known PDS (no identifier, or degraded resolution)
	if sessData.HostURL == "" || info.AccountDID == nil {
		out, err := app.Identity.Resolve(ctx, did.String())
		if err == nil && !out.IsDegraded() {
			sessData.HostURL = out.Value().PDSEndpoint
			sessData.Handle = out.Value().Handle.String()
		} else if sessData.HostURL == "" {
			app.Logger.Warn("could not resolve PDS after login, using auth server", "did", did, "err", errors.Join(err, out.Cause()))
			sessData.HostURL = info.AuthServerURL
		}
	}

	if err := app.Store.SaveSession(ctx, sessData); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	app.Logger.Info("OAuth login complete", "did", did, "host", sessData.HostURL)
	return &sessData, nil
}

// Loads a persisted session. Token and nonce updates are written back to the store.
func (app *ClientApp) ResumeSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSession, error) {
	data, err := app.Store.GetSession(ctx, did, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := NewClientSession(app.Config, *data, app.Client, app.Logger)
	if err != nil {
		return nil, err
	}
	sess.Nonces = app.Nonces
	sess.PersistCallback = func(ctx context.Context, data ClientSessionData) {
		if err := app.Store.SaveSession(ctx, data); err != nil {
			app.Logger.Error("failed to persist session", "did", data.AccountDID, "err", err)
		}
	}
	return sess, nil
}

func (app *ClientApp) Logout(ctx context.Context, did syntax.DID, sessionID string) error {
	return app.Store.DeleteSession(ctx, did, sessionID)
}

// Releases the store (if it holds resources) and idle connections.
func (app *ClientApp) Close() error {
	app.Client.CloseIdleConnections()
	if c, ok := app.Store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Compares issuer URLs after normalizing case, default ports and trailing slashes.
func sameIssuer(a, b string) bool {
	if a == b {
		return true
	}
	flags := purell.FlagsSafe | purell.FlagRemoveTrailingSlash
	na, err := purell.NormalizeURLString(a, flags)
	if err != nil {
		return false
	}
	nb, err := purell.NormalizeURLString(b, flags)
	if err != nil {
		return false
	}
	return na == nb
}
