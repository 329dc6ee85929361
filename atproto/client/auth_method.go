package client

import (
	"net/http"

	"github.com/flushes/flushes/atproto/syntax"
)

type AuthMethod interface {
	// Sends the request with credentials attached, possibly more than once.
	DoWithAuth(httpReq *http.Request, httpClient *http.Client) (*http.Response, error)
	AccountDID() syntax.DID
}
