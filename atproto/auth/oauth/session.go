package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/flushes/flushes/atproto/client"
	"github.com/flushes/flushes/atproto/crypto"
	"github.com/flushes/flushes/atproto/syntax"
)

// Called with a snapshot of the session data whenever tokens or nonces change.
type PersistCallback = func(ctx context.Context, data ClientSessionData)

// An active OAuth session for one account. Safe for concurrent use.
type ClientSession struct {
	// HTTP client used for resource server requests, token refreshes and nonce probes
	Client *http.Client

	Config         *ClientConfig
	DPoPPrivateKey crypto.PrivateKey

	Exchanger *TokenExchanger
	Nonces    *NonceFetcher
	Logger    *slog.Logger

	PersistCallback PersistCallback

	// Lock which protects concurrent access to session data (eg, access and refresh tokens, nonces)
	lk   sync.RWMutex
	data ClientSessionData

	// serializes refreshes, so a rotated refresh token is never sent twice
	refreshLk sync.Mutex
}

var _ client.AuthMethod = (*ClientSession)(nil)

// Rebuilds a session from persisted data.
func NewClientSession(config *ClientConfig, data ClientSessionData, httpClient *http.Client, logger *slog.Logger) (*ClientSession, error) {
	priv, err := crypto.ParsePrivateMultibase(data.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, fmt.Errorf("parsing session DPoP key: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default().With("subsystem", "oauth")
	}
	logger = logger.With("did", data.AccountDID)
	nonces := &NonceFetcher{Client: httpClient, Logger: logger}
	return &ClientSession{
		Client:         httpClient,
		Config:         config,
		DPoPPrivateKey: priv,
		Exchanger:      &TokenExchanger{Client: httpClient, Nonces: nonces, Logger: logger},
		Nonces:         nonces,
		Logger:         logger,
		data:           data,
	}, nil
}

// Copy of the current session data.
func (sess *ClientSession) Data() ClientSessionData {
	sess.lk.RLock()
	defer sess.lk.RUnlock()
	return sess.data
}

func (sess *ClientSession) AccountDID() syntax.DID {
	sess.lk.RLock()
	defer sess.lk.RUnlock()
	return sess.data.AccountDID
}

func (sess *ClientSession) hostNonce() string {
	sess.lk.RLock()
	defer sess.lk.RUnlock()
	return sess.data.DPoPHostNonce
}

// Last writer wins: any nonce the server sends replaces the previous one. Reports whether it changed.
func (sess *ClientSession) setHostNonce(nonce string) bool {
	if nonce == "" {
		return false
	}
	sess.lk.Lock()
	defer sess.lk.Unlock()
	if sess.data.DPoPHostNonce == nonce {
		return false
	}
	sess.data.DPoPHostNonce = nonce
	return true
}

func (sess *ClientSession) accessToken() string {
	sess.lk.RLock()
	defer sess.lk.RUnlock()
	return sess.data.AccessToken
}

func (sess *ClientSession) persist(ctx context.Context) {
	if sess.PersistCallback != nil {
		sess.PersistCallback(ctx, sess.Data())
	}
}

// Makes the request body re-readable, so the request can be sent a second time.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	return nil
}

// Sends a request to the resource server (PDS) with DPoP-bound credentials.
//
// If no nonce is known yet, one is probed for first (best-effort). On a 401 carrying the "use_dpop_nonce" signal and a fresh nonce, the request is re-sent exactly once with the same method and body. Any other 401 becomes an [AuthFailureError]. Other responses are returned as-is; the caller owns the body.
func (sess *ClientSession) DoWithAuth(req *http.Request, httpClient *http.Client) (*http.Response, error) {
	ctx := req.Context()
	if httpClient == nil {
		httpClient = sess.Client
	}
	u := req.URL.String()

	if sess.hostNonce() == "" {
		nonce, err := sess.Nonces.FetchNonce(ctx, u)
		if err != nil {
			sess.Logger.Debug("opportunistic DPoP nonce probe failed", "url", u, "err", err)
		}
		sess.setHostNonce(nonce)
	}

	if err := bufferBody(req); err != nil {
		return nil, err
	}

	changed := false
	defer func() {
		if changed {
			sess.persist(ctx)
		}
	}()

	for attempt := range 2 {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		token := sess.accessToken()
		proof, err := NewDPoPProof(sess.DPoPPrivateKey, DPoPParams{
			Method:      req.Method,
			URL:         u,
			Nonce:       sess.hostNonce(),
			AccessToken: token,
		})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "DPoP "+token)
		req.Header.Set("DPoP", proof)

		resp, err := httpClient.Do(req)
		if err != nil {
			authedRequests.WithLabelValues("transport").Inc()
			return nil, &TransportError{Endpoint: u, Phase: "request", Err: err}
		}
		if sess.setHostNonce(resp.Header.Get(DPoPNonceHeader)) {
			changed = true
		}

		if resp.StatusCode != http.StatusUnauthorized {
			authedRequests.WithLabelValues("sent").Inc()
			return resp, nil
		}

		body, _ := readBody(resp, 64*1024)
		resp.Body.Close()
		signaled, fresh := nonceSignal(resp, body)
		if signaled && fresh != "" && attempt == 0 {
			sess.Logger.Debug("resource server requested fresh DPoP nonce", "url", u)
			// header nonce was already stored above; a body-only nonce is stored here
			if sess.setHostNonce(fresh) {
				changed = true
			}
			continue
		}

		authedRequests.WithLabelValues("auth_failure").Inc()
		eb := parseErrorBody(body)
		desc := eb.ErrorDescription
		if desc == "" {
			desc = eb.Message
		}
		return nil, &AuthFailureError{
			Phase:       "request",
			StatusCode:  resp.StatusCode,
			ErrorCode:   eb.Error,
			Description: desc,
			Body:        body,
		}
	}
	// unreachable: second iteration always returns
	return nil, errors.New("authenticated request retry loop exited")
}

// Authenticated request with a JSON (or nil) result.
//
// Success with a JSON content type returns the raw body; success with any other content type returns nil. Non-success statuses other than 401 become a [RequestError] carrying the server's body.
func (sess *ClientSession) Do(ctx context.Context, method, url string, body []byte, contentType string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := sess.DoWithAuth(req, sess.Client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp, 4<<20)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Phase: "request", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: respBody}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" || len(respBody) == 0 {
		return nil, nil
	}
	if !json.Valid(respBody) {
		return nil, &TransportError{Endpoint: url, Phase: "request", Err: errors.New("invalid JSON in response body")}
	}
	return json.RawMessage(respBody), nil
}

// Gets new tokens from the auth server and stores them in the session. Returns the new access token.
func (sess *ClientSession) RefreshTokens(ctx context.Context) (string, error) {
	sess.refreshLk.Lock()
	defer sess.refreshLk.Unlock()

	data := sess.Data()
	tokenResp, nonce, err := sess.Exchanger.Refresh(ctx, data.AuthServerTokenEndpoint, sess.DPoPPrivateKey, data.DPoPAuthServerNonce, RefreshTokenRequest{
		ClientID:     sess.Config.ClientID,
		RefreshToken: data.RefreshToken,
	})
	if err != nil {
		return "", err
	}
	if tokenResp.Subject != "" && tokenResp.Subject != data.AccountDID.String() {
		return "", &AuthFailureError{Phase: "refresh", Description: "token subject does not match session account"}
	}

	sess.lk.Lock()
	sess.data.AccessToken = tokenResp.AccessToken
	sess.data.RefreshToken = tokenResp.RefreshToken
	sess.data.DPoPAuthServerNonce = nonce
	if tokenResp.Scope != "" {
		sess.data.Scope = tokenResp.Scope
	}
	sess.lk.Unlock()

	sess.persist(ctx)
	return tokenResp.AccessToken, nil
}

// API client bound to the account's PDS, authenticated by this session.
func (sess *ClientSession) APIClient() *client.APIClient {
	data := sess.Data()
	did := data.AccountDID
	c := client.NewAPIClient(data.HostURL)
	c.HTTPClient = sess.Client
	c.Auth = sess
	c.AccountDID = &did
	if sess.Config != nil && sess.Config.UserAgent != "" {
		c.Headers.Set("User-Agent", sess.Config.UserAgent)
	}
	return c
}
