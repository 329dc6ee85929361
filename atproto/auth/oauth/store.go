package oauth

import (
	"context"

	"github.com/flushes/flushes/atproto/syntax"
)

// Interface for persisting session data and auth request data, required as part of an OAuth client app.
//
// Multiple sessions for a single account (DID) are supported; a user might be logged in from several browsers at once.
//
// Get methods return [ErrSessionNotFound] or [ErrAuthRequestNotFound] (possibly wrapped) for missing entries. Implementations should allow for concurrent access.
type ClientAuthStore interface {
	GetSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSessionData, error)
	SaveSession(ctx context.Context, sess ClientSessionData) error
	DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error

	GetAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error)
	SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error
	DeleteAuthRequestInfo(ctx context.Context, state string) error
}
