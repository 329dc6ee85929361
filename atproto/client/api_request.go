package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/flushes/flushes/atproto/syntax"
)

var (
	// atproto API "Query" Lexicon method, which is HTTP GET.
	MethodQuery = http.MethodGet

	// atproto API "Procedure" Lexicon method, which is HTTP POST.
	MethodProcedure = http.MethodPost
)

type APIRequest struct {
	// HTTP method as a string (eg "GET") (required)
	Method string

	// atproto API endpoint, as NSID (required)
	Endpoint syntax.NSID

	// Optional request body (may be nil). If this is provided, then 'Content-Type' header should be specified
	Body io.Reader

	// Optional function to return new reader for request body; used for retries.
	GetBody func() (io.ReadCloser, error)

	// Optional query parameters (field may be nil). These will be encoded as provided.
	QueryParams url.Values

	// Optional HTTP headers (field may be nil). Only the first value will be included for each header key ("Set" behavior).
	Headers http.Header
}

// Initializes a new request struct. Initializes Headers and QueryParams so they can be manipulated immediately.
//
// If body is provided (it can be nil), will try to turn it in to the most retry-able form.
func NewAPIRequest(method string, endpoint syntax.NSID, body io.Reader) *APIRequest {
	req := APIRequest{
		Method:      method,
		Endpoint:    endpoint,
		Headers:     map[string][]string{},
		QueryParams: map[string][]string{},
	}

	if body != nil {
		// http.NewRequestWithContext already handles GetBody for bytes.Buffer, bytes.Reader and strings.Reader
		switch v := body.(type) {
		case *bytes.Buffer, *bytes.Reader, *strings.Reader:
			req.Body = body
		case io.Seeker:
			req.Body = io.NopCloser(body)
			req.GetBody = func() (io.ReadCloser, error) {
				if _, err := v.Seek(0, io.SeekStart); err != nil {
					return nil, err
				}
				return io.NopCloser(body), nil
			}
		default:
			req.Body = body
		}
	}
	return &req
}

// Creates an [http.Request] for this API request.
//
// `host` parameter should be a URL prefix: schema, hostname, port (required)
//
// `clientHeaders`, if provided, is treated as client-level defaults, and will be clobbered by any request-level header values. (optional; may be nil)
func (r *APIRequest) HTTPRequest(ctx context.Context, host string, clientHeaders http.Header) (*http.Request, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("empty hostname in host URL")
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("empty scheme in host URL")
	}
	if r.Endpoint == "" {
		return nil, fmt.Errorf("empty request endpoint")
	}
	u.Path = "/xrpc/" + r.Endpoint.String()
	u.RawQuery = ""
	if len(r.QueryParams) > 0 {
		u.RawQuery = r.QueryParams.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}

	if r.GetBody != nil {
		httpReq.GetBody = r.GetBody
	}

	// first set default headers...
	for k := range clientHeaders {
		httpReq.Header.Set(k, clientHeaders.Get(k))
	}

	// ... then request-specific take priority (overwrite)
	for k := range r.Headers {
		httpReq.Header.Set(k, r.Headers.Get(k))
	}

	return httpReq, nil
}
