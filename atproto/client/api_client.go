package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/flushes/flushes/atproto/syntax"
)

type APIClient struct {
	// Inner HTTP client. May be customized after the overall [APIClient] struct is created; for example to set a default request timeout.
	HTTPClient *http.Client

	// Host URL prefix: schema, hostname, and port. This field is required.
	Host string

	// Optional auth client "middleware".
	Auth AuthMethod

	// Optional HTTP headers which will be included in all requests. Only a single value per key is included; request-level headers will override any client-level defaults.
	Headers http.Header

	// optional authenticated account DID for this client. Does not change client behavior; this field is included as a convenience. Intended for use by other packages
	AccountDID *syntax.DID
}

// Creates a simple APIClient for the provided host. This is appropriate for use with unauthenticated ("public") atproto API endpoints.
func NewAPIClient(host string) *APIClient {
	return &APIClient{
		HTTPClient: http.DefaultClient,
		Host:       host,
		Headers:    map[string][]string{"User-Agent": []string{"flushes-atproto-client"}},
	}
}

// High-level helper for simple JSON "Query" API calls.
//
// This method automatically parses non-successful responses to [APIError].
//
// For Query endpoints which return non-JSON data, or other situations needing complete configuration of the request and response, use the [APIClient.Do] method.
func (c *APIClient) Get(ctx context.Context, endpoint syntax.NSID, params url.Values, out any) error {
	req := NewAPIRequest(MethodQuery, endpoint, nil)
	req.Headers.Set("Accept", "application/json")
	req.QueryParams = params

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// High-level helper for simple JSON-to-JSON "Procedure" API calls, with no query params.
//
// This method automatically parses non-successful responses to [APIError]. If out is nil, any response body is discarded.
func (c *APIClient) Post(ctx context.Context, endpoint syntax.NSID, body any, out any) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req := NewAPIRequest(MethodProcedure, endpoint, bytes.NewReader(bodyJSON))
	req.Headers.Set("Accept", "application/json")
	req.Headers.Set("Content-Type", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if !(resp.StatusCode >= 200 && resp.StatusCode < 300) {
		var eb ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return eb.APIError(resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed decoding JSON response body: %w", err)
	}
	return nil
}

// Full-featured method for atproto API requests.
//
// Does not parse the response; the caller is responsible for closing the body.
func (c *APIClient) Do(ctx context.Context, req *APIRequest) (*http.Response, error) {
	httpReq, err := req.HTTPRequest(ctx, c.Host, c.Headers)
	if err != nil {
		return nil, err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if c.Auth != nil {
		return c.Auth.DoWithAuth(httpReq, httpClient)
	}
	return httpClient.Do(httpReq)
}
