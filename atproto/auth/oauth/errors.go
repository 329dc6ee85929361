package oauth

import (
	"errors"
	"fmt"
)

var (
	// Callback 'state' did not match the value stored when the flow started. The flow is aborted before any token request.
	ErrStateMismatch = errors.New("OAuth state mismatch")

	// Server kept demanding a fresh DPoP nonce past the attempt limit.
	ErrNonceRetriesExhausted = errors.New("DPoP nonce retries exhausted")

	ErrSessionNotFound     = errors.New("OAuth session not found")
	ErrAuthRequestNotFound = errors.New("OAuth auth request not found")

	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
	ErrInvalidClientMetadata     = errors.New("invalid client metadata doc")
)

// Server signaled "use_dpop_nonce". Nonce is the fresh value it supplied, if any.
type NonceRequiredError struct {
	Endpoint string
	Nonce    string
	Attempts int
}

func (e *NonceRequiredError) Error() string {
	if e.Nonce == "" {
		return fmt.Sprintf("DPoP nonce required by %s, but none supplied", e.Endpoint)
	}
	return fmt.Sprintf("DPoP nonce required by %s (after %d attempts)", e.Endpoint, e.Attempts)
}

// Token request or authenticated request was rejected for a reason other than the DPoP nonce. The user needs to log in again.
type AuthFailureError struct {
	// "par", "token", "refresh", "callback" or "request"
	Phase      string
	StatusCode int
	// OAuth 'error' field, eg "invalid_grant"
	ErrorCode   string
	Description string
	// Raw server response body, unmodified
	Body []byte
}

func (e *AuthFailureError) Error() string {
	msg := fmt.Sprintf("OAuth %s failed", e.Phase)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.ErrorCode != "" {
		msg += ": " + e.ErrorCode
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Success status, but required fields missing from the response.
type MalformedResponseError struct {
	Endpoint string
	Missing  []string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: missing %v", e.Endpoint, e.Missing)
}

// Network failure, timeout, or a non-JSON body where JSON was expected.
type TransportError struct {
	Endpoint string
	Phase    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s request to %s: %v", e.Phase, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Non-success, non-401 response to an authenticated request.
type RequestError struct {
	StatusCode int
	Body       []byte
}

func (e *RequestError) Error() string {
	if len(e.Body) > 0 && len(e.Body) < 512 {
		return fmt.Sprintf("request failed (HTTP %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request failed (HTTP %d)", e.StatusCode)
}
