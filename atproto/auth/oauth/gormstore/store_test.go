package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	// each connection would get its own in-memory database
	sqldb.SetMaxOpenConns(1)
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func TestSessions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	did := syntax.DID("did:plc:abc123")
	sess := oauth.ClientSessionData{
		AccountDID:    did,
		SessionID:     "s1",
		HostURL:       "https://pds.example.com",
		AccessToken:   "at1",
		RefreshToken:  "rt1",
		DPoPHostNonce: "n1",
	}

	_, err := s.GetSession(ctx, did, "s1")
	assert.True(errors.Is(err, oauth.ErrSessionNotFound))

	require.NoError(s.SaveSession(ctx, sess))
	got, err := s.GetSession(ctx, did, "s1")
	require.NoError(err)
	assert.Equal(sess, *got)

	// upsert
	sess.AccessToken = "at2"
	sess.DPoPHostNonce = "n2"
	require.NoError(s.SaveSession(ctx, sess))
	got, err = s.GetSession(ctx, did, "s1")
	require.NoError(err)
	assert.Equal("at2", got.AccessToken)
	assert.Equal("n2", got.DPoPHostNonce)

	second := sess
	second.SessionID = "s2"
	require.NoError(s.SaveSession(ctx, second))
	n, err := s.CountSessions(ctx, did)
	require.NoError(err)
	assert.Equal(int64(2), n)

	require.NoError(s.DeleteSession(ctx, did, "s1"))
	_, err = s.GetSession(ctx, did, "s1")
	assert.True(errors.Is(err, oauth.ErrSessionNotFound))
	_, err = s.GetSession(ctx, did, "s2")
	assert.NoError(err)
}

func TestAuthRequests(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	did := syntax.DID("did:plc:abc123")
	info := oauth.AuthRequestData{
		State:                   "state1",
		AuthServerURL:           "https://bsky.social",
		AuthServerTokenEndpoint: "https://bsky.social/oauth/token",
		AccountDID:              &did,
		PKCEVerifier:            "verifier",
	}
	require.NoError(s.SaveAuthRequestInfo(ctx, info))
	got, err := s.GetAuthRequestInfo(ctx, "state1")
	require.NoError(err)
	assert.Equal(info, *got)

	// state is unique
	assert.Error(s.SaveAuthRequestInfo(ctx, info))

	require.NoError(s.DeleteAuthRequestInfo(ctx, "state1"))
	_, err = s.GetAuthRequestInfo(ctx, "state1")
	assert.True(errors.Is(err, oauth.ErrAuthRequestNotFound))
}

func TestAuthRequestExpiry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	require.NoError(s.SaveAuthRequestInfo(ctx, oauth.AuthRequestData{State: "old"}))
	require.NoError(s.db.Model(&OAuthAuthRequest{}).Where("state = ?", "old").Update("created_at", time.Now().Add(-time.Hour)).Error)
	require.NoError(s.SaveAuthRequestInfo(ctx, oauth.AuthRequestData{State: "new"}))

	_, err := s.GetAuthRequestInfo(ctx, "old")
	assert.True(errors.Is(err, oauth.ErrAuthRequestNotFound))

	n, err := s.Prune(ctx, 0)
	require.NoError(err)
	assert.Equal(int64(1), n)
	_, err = s.GetAuthRequestInfo(ctx, "new")
	assert.NoError(err)
}
