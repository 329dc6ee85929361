package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flushes/flushes/atproto/crypto"

	"github.com/google/go-querystring/query"
)

// Upper bound on DPoP-signed requests to a token (or PAR) endpoint for one logical exchange.
const MaxTokenAttempts = 3

type ExchangeState int

const (
	StateNeedNonce ExchangeState = iota
	StateHaveNonce
	StateExchanging
	StateSuccess
	StateNonceRetry
	StateFatalError
)

func (s ExchangeState) String() string {
	switch s {
	case StateNeedNonce:
		return "NEED_NONCE"
	case StateHaveNonce:
		return "HAVE_NONCE"
	case StateExchanging:
		return "EXCHANGING"
	case StateSuccess:
		return "SUCCESS"
	case StateNonceRetry:
		return "NONCE_RETRY"
	case StateFatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("ExchangeState(%d)", int(s))
	}
}

// Sends DPoP-signed form POSTs to an authorization server, handling the nonce dance.
type TokenExchanger struct {
	Client *http.Client
	Nonces *NonceFetcher
	Logger *slog.Logger

	// Optional hook, called on every state transition.
	OnTransition func(from, to ExchangeState)
}

func (x *TokenExchanger) client() *http.Client {
	if x.Client != nil {
		return x.Client
	}
	return http.DefaultClient
}

func (x *TokenExchanger) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default().With("subsystem", "oauth")
}

func (x *TokenExchanger) nonces() *NonceFetcher {
	if x.Nonces != nil {
		return x.Nonces
	}
	return &NonceFetcher{Client: x.client(), Logger: x.logger()}
}

// Successful response from a DPoP-protected form endpoint.
type formResult struct {
	StatusCode int
	Body       []byte
	// latest nonce seen from the server; may be the one passed in
	Nonce string
}

// Runs the exchange state machine for one logical request:
//
//	NEED_NONCE -> HAVE_NONCE -> EXCHANGING -> SUCCESS | NONCE_RETRY | FATAL_ERROR
//
// NONCE_RETRY goes back to EXCHANGING with the nonce the server supplied. At most [MaxTokenAttempts] requests are sent.
func (x *TokenExchanger) postForm(ctx context.Context, phase, endpoint string, key crypto.PrivateKey, nonce string, form []byte) (*formResult, error) {
	state := StateNeedNonce
	if nonce != "" {
		state = x.transition(StateNeedNonce, StateHaveNonce)
	}

	attempts := 0
	for {
		switch state {
		case StateNeedNonce:
			n, err := x.nonces().FetchNonce(ctx, endpoint)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				// the server will ask for one if it really needs it
				x.logger().Warn("DPoP nonce probe failed, continuing without nonce", "endpoint", endpoint, "err", err)
			}
			nonce = n
			state = x.transition(state, StateHaveNonce)

		case StateHaveNonce, StateNonceRetry:
			if attempts >= MaxTokenAttempts {
				x.transition(state, StateFatalError)
				return nil, fmt.Errorf("%s: %w: %w", phase, ErrNonceRetriesExhausted, &NonceRequiredError{Endpoint: endpoint, Nonce: nonce, Attempts: attempts})
			}
			state = x.transition(state, StateExchanging)

		case StateExchanging:
			attempts++
			resp, body, err := x.send(ctx, endpoint, key, nonce, form)
			if err != nil {
				tokenAttempts.WithLabelValues(phase, "transport").Inc()
				x.transition(state, StateFatalError)
				return nil, &TransportError{Endpoint: endpoint, Phase: phase, Err: err}
			}
			if n := resp.Header.Get(DPoPNonceHeader); n != "" {
				nonce = n
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				tokenAttempts.WithLabelValues(phase, "success").Inc()
				x.transition(state, StateSuccess)
				return &formResult{StatusCode: resp.StatusCode, Body: body, Nonce: nonce}, nil
			}

			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
				if signaled, fresh := nonceSignal(resp, body); signaled {
					tokenAttempts.WithLabelValues(phase, "nonce").Inc()
					if fresh == "" {
						x.transition(state, StateFatalError)
						return nil, &NonceRequiredError{Endpoint: endpoint, Attempts: attempts}
					}
					x.logger().Debug("server requested fresh DPoP nonce", "endpoint", endpoint, "attempt", attempts)
					nonce = fresh
					state = x.transition(state, StateNonceRetry)
					continue
				}
			}

			tokenAttempts.WithLabelValues(phase, "rejected").Inc()
			eb := parseErrorBody(body)
			x.logger().Warn("OAuth request rejected", "phase", phase, "endpoint", endpoint, "statusCode", resp.StatusCode, "error", eb.Error, "description", eb.ErrorDescription)
			x.transition(state, StateFatalError)
			return nil, &AuthFailureError{
				Phase:       phase,
				StatusCode:  resp.StatusCode,
				ErrorCode:   eb.Error,
				Description: eb.ErrorDescription,
				Body:        body,
			}

		default:
			return nil, fmt.Errorf("unexpected exchange state: %s", state)
		}
	}
}

func (x *TokenExchanger) transition(from, to ExchangeState) ExchangeState {
	if x.OnTransition != nil {
		x.OnTransition(from, to)
	}
	return to
}

func (x *TokenExchanger) send(ctx context.Context, endpoint string, key crypto.PrivateKey, nonce string, form []byte) (*http.Response, []byte, error) {
	proof, err := NewDPoPProof(key, DPoPParams{Method: http.MethodPost, URL: endpoint, Nonce: nonce})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(form))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("DPoP", proof)

	resp, err := x.client().Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := readBody(resp, 1<<20)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// Exchanges an authorization code for tokens. Returns the token response and the latest auth server nonce.
func (x *TokenExchanger) ExchangeCode(ctx context.Context, tokenEndpoint string, key crypto.PrivateKey, nonce string, body InitialTokenRequest) (*TokenResponse, string, error) {
	body.GrantType = "authorization_code"
	return x.tokenRequest(ctx, "token", tokenEndpoint, key, nonce, body)
}

// Uses a refresh token to get a new access token (and, usually, a rotated refresh token).
func (x *TokenExchanger) Refresh(ctx context.Context, tokenEndpoint string, key crypto.PrivateKey, nonce string, body RefreshTokenRequest) (*TokenResponse, string, error) {
	body.GrantType = "refresh_token"
	return x.tokenRequest(ctx, "refresh", tokenEndpoint, key, nonce, body)
}

func (x *TokenExchanger) tokenRequest(ctx context.Context, phase, tokenEndpoint string, key crypto.PrivateKey, nonce string, body any) (*TokenResponse, string, error) {
	start := time.Now()
	resp, nonce, err := x.tokenRequestInner(ctx, phase, tokenEndpoint, key, nonce, body)
	result := "success"
	if err != nil {
		result = "error"
	}
	tokenExchangeDuration.WithLabelValues(phase, result).Observe(time.Since(start).Seconds())
	return resp, nonce, err
}

func (x *TokenExchanger) tokenRequestInner(ctx context.Context, phase, tokenEndpoint string, key crypto.PrivateKey, nonce string, body any) (*TokenResponse, string, error) {
	vals, err := query.Values(body)
	if err != nil {
		return nil, nonce, err
	}

	res, err := x.postForm(ctx, phase, tokenEndpoint, key, nonce, []byte(vals.Encode()))
	if err != nil {
		return nil, nonce, err
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(res.Body, &tokenResp); err != nil {
		return nil, res.Nonce, &TransportError{Endpoint: tokenEndpoint, Phase: phase, Err: fmt.Errorf("token response is not JSON: %w", err)}
	}

	var missing []string
	if tokenResp.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if tokenResp.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if len(missing) > 0 {
		x.logger().Error("token response missing required fields", "phase", phase, "endpoint", tokenEndpoint, "missing", missing)
		return nil, res.Nonce, &MalformedResponseError{Endpoint: tokenEndpoint, Missing: missing}
	}
	if tokenResp.TokenType != "" && !strings.EqualFold(tokenResp.TokenType, "DPoP") {
		return nil, res.Nonce, &MalformedResponseError{Endpoint: tokenEndpoint, Missing: []string{"token_type=DPoP"}}
	}

	nonce = res.Nonce
	if tokenResp.DPoPNonce != "" {
		nonce = tokenResp.DPoPNonce
	}
	return &tokenResp, nonce, nil
}

// Submits a pushed authorization request. Returns the PAR response and the latest auth server nonce.
func (x *TokenExchanger) PushAuthorization(ctx context.Context, parEndpoint string, key crypto.PrivateKey, nonce string, body PushedAuthRequest) (*PushedAuthResponse, string, error) {
	body.ResponseType = "code"
	body.CodeChallengeMethod = "S256"
	vals, err := query.Values(body)
	if err != nil {
		return nil, nonce, err
	}

	res, err := x.postForm(ctx, "par", parEndpoint, key, nonce, []byte(vals.Encode()))
	if err != nil {
		return nil, nonce, err
	}

	var parResp PushedAuthResponse
	if err := json.Unmarshal(res.Body, &parResp); err != nil {
		return nil, res.Nonce, &TransportError{Endpoint: parEndpoint, Phase: "par", Err: fmt.Errorf("PAR response is not JSON: %w", err)}
	}
	if parResp.RequestURI == "" {
		return nil, res.Nonce, &MalformedResponseError{Endpoint: parEndpoint, Missing: []string{"request_uri"}}
	}
	return &parResp, res.Nonce, nil
}
