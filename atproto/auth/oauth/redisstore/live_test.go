package redisstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NOTE: requires a local redis; set FLUSHES_TEST_REDIS_URL (eg "redis://localhost:6379/0") to run
func TestRedisStoreLive(t *testing.T) {
	redisURL := os.Getenv("FLUSHES_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("FLUSHES_TEST_REDIS_URL not set")
	}
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	s, err := NewStore(redisURL, time.Hour, 2*time.Second)
	require.NoError(err)
	defer s.Close()

	did := syntax.DID("did:plc:abc123")
	sessionID := oauth.NewState()
	sess := oauth.ClientSessionData{AccountDID: did, SessionID: sessionID, AccessToken: "at1", RefreshToken: "rt1"}
	require.NoError(s.SaveSession(ctx, sess))
	got, err := s.GetSession(ctx, did, sessionID)
	require.NoError(err)
	assert.Equal(sess, *got)
	require.NoError(s.DeleteSession(ctx, did, sessionID))
	_, err = s.GetSession(ctx, did, sessionID)
	assert.True(errors.Is(err, oauth.ErrSessionNotFound))

	state := oauth.NewState()
	require.NoError(s.SaveAuthRequestInfo(ctx, oauth.AuthRequestData{State: state, PKCEVerifier: "v"}))
	assert.Error(s.SaveAuthRequestInfo(ctx, oauth.AuthRequestData{State: state}))
	info, err := s.GetAuthRequestInfo(ctx, state)
	require.NoError(err)
	assert.Equal("v", info.PKCEVerifier)

	time.Sleep(3 * time.Second)
	_, err = s.GetAuthRequestInfo(ctx, state)
	assert.True(errors.Is(err, oauth.ErrAuthRequestNotFound))
}

func TestKeys(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("oauth/session/did:plc:abc123/s1", sessionKey(syntax.DID("did:plc:abc123"), "s1"))
	assert.Equal("oauth/authreq/xyz", authRequestKey("xyz"))
}
