package oauth

import (
	"context"
	"fmt"

	"github.com/flushes/flushes/atproto/syntax"

	"github.com/puzpuzpuz/xsync/v3"
)

// Simple in-memory implementation of [ClientAuthStore], for use in development and tests.
//
// All users are logged out every time the process restarts.
type MemStore struct {
	requests *xsync.MapOf[string, AuthRequestData]
	sessions *xsync.MapOf[string, ClientSessionData]
}

var _ ClientAuthStore = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: xsync.NewMapOf[string, AuthRequestData](),
		sessions: xsync.NewMapOf[string, ClientSessionData](),
	}
}

func memKey(did syntax.DID, sessionID string) string {
	return fmt.Sprintf("%s/%s", did, sessionID)
}

func (m *MemStore) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*ClientSessionData, error) {
	sess, ok := m.sessions.Load(memKey(did, sessionID))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, did)
	}
	return &sess, nil
}

func (m *MemStore) SaveSession(ctx context.Context, sess ClientSessionData) error {
	m.sessions.Store(memKey(sess.AccountDID, sess.SessionID), sess)
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	m.sessions.Delete(memKey(did, sessionID))
	return nil
}

func (m *MemStore) GetAuthRequestInfo(ctx context.Context, state string) (*AuthRequestData, error) {
	req, ok := m.requests.Load(state)
	if !ok {
		return nil, ErrAuthRequestNotFound
	}
	return &req, nil
}

func (m *MemStore) SaveAuthRequestInfo(ctx context.Context, info AuthRequestData) error {
	m.requests.Store(info.State, info)
	return nil
}

func (m *MemStore) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	m.requests.Delete(state)
	return nil
}

// Number of stored sessions and pending auth requests.
func (m *MemStore) Len() (sessions, requests int) {
	return m.sessions.Size(), m.requests.Size()
}
