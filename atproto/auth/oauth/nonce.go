package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	DPoPNonceHeader = "DPoP-Nonce"

	// OAuth error code servers use to demand a (fresh) DPoP nonce
	ErrorCodeUseDPoPNonce = "use_dpop_nonce"
)

// Probes a server for a DPoP nonce, trying the least intrusive request first.
type NonceFetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

func (f *NonceFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *NonceFetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default().With("subsystem", "oauth")
}

// Tries HEAD, then OPTIONS, then an empty form POST against the endpoint and returns the first DPoP-Nonce header seen.
//
// Returns an empty string and nil error when the server answered but offered no nonce; callers proceed without one. Returns a [TransportError] only if no probe got any response at all.
func (f *NonceFetcher) FetchNonce(ctx context.Context, endpoint string) (string, error) {
	var lastErr error
	answered := false
	for _, method := range []string{http.MethodHead, http.MethodOptions, http.MethodPost} {
		nonce, err := f.probe(ctx, method, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return "", &TransportError{Endpoint: endpoint, Phase: "nonce", Err: ctx.Err()}
			}
			f.logger().Debug("DPoP nonce probe failed", "method", method, "endpoint", endpoint, "err", err)
			lastErr = err
			continue
		}
		answered = true
		if nonce != "" {
			nonceProbes.WithLabelValues(method, "found").Inc()
			return nonce, nil
		}
		nonceProbes.WithLabelValues(method, "none").Inc()
	}
	if !answered && lastErr != nil {
		nonceProbes.WithLabelValues("all", "error").Inc()
		return "", &TransportError{Endpoint: endpoint, Phase: "nonce", Err: lastErr}
	}
	return "", nil
}

func (f *NonceFetcher) probe(ctx context.Context, method, endpoint string) (string, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return "", err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.Header.Get(DPoPNonceHeader), nil
}

// OAuth-style error body. Some servers also echo the nonce here.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Message          string `json:"message,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
}

func parseErrorBody(body []byte) oauthErrorBody {
	var eb oauthErrorBody
	if len(body) == 0 {
		return eb
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		return oauthErrorBody{}
	}
	return eb
}

// Reports whether a response carries the "use_dpop_nonce" signal, either in a JSON body or the WWW-Authenticate header, and the fresh nonce if one was provided (header first, then body).
func nonceSignal(resp *http.Response, body []byte) (bool, string) {
	eb := parseErrorBody(body)
	signaled := eb.Error == ErrorCodeUseDPoPNonce
	if !signaled {
		signaled = hasDPoPNonceChallenge(resp.Header.Values("WWW-Authenticate"))
	}
	if !signaled {
		return false, ""
	}
	if n := resp.Header.Get(DPoPNonceHeader); n != "" {
		return true, n
	}
	return true, eb.Nonce
}

// eg: DPoP error="use_dpop_nonce", error_description="..."
func hasDPoPNonceChallenge(values []string) bool {
	for _, v := range values {
		scheme, params, _ := strings.Cut(strings.TrimSpace(v), " ")
		if !strings.EqualFold(scheme, "DPoP") {
			continue
		}
		for _, part := range strings.Split(params, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(k, "error") && strings.Trim(val, `"`) == ErrorCodeUseDPoPNonce {
				return true
			}
		}
	}
	return false
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return b, nil
}
