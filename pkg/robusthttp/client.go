// Package robusthttp builds the retrying HTTP client used for public, idempotent lookups: handle resolution, DID documents, OAuth metadata and record listing.
//
// It must not be used for DPoP-signed requests. A transparent retry would re-send a proof whose nonce or jti the server has already consumed.
package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type leveledSlog struct {
	inner *slog.Logger
}

// retries make individual failures routine, so ERROR is demoted to WARN
func (l leveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type Option func(*retryablehttp.Client)

func WithMaxRetries(n int) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

func WithRetryWait(min, max time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *retryablehttp.Client) {
		c.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})
	}
}

// Swap the underlying transport, eg for [ssrf.PublicOnlyTransport]. Tracing is kept.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Transport = otelhttp.NewTransport(transport)
	}
}

// Retries connection errors and 5xx (except 501). 30 second overall timeout.
func NewClient(options ...Option) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: slog.Default().With("subsystem", "robusthttp")})
	rc.CheckRetry = DefaultRetryPolicy

	for _, opt := range options {
		opt(rc)
	}

	client := rc.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

// Same as retryablehttp's default, except 429 is handed back to the caller.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
