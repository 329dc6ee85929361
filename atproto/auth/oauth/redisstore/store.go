package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/redis/go-redis/v9"
)

// prefix string for all the Redis keys this store uses
var redisStorePrefix string = "oauth/"

// Redis-backed [oauth.ClientAuthStore]. Entries expire on their own: pending auth requests after AuthRequestTTL, sessions SessionTTL after their last save.
type Store struct {
	rdb *redis.Client

	SessionTTL     time.Duration
	AuthRequestTTL time.Duration
}

var _ oauth.ClientAuthStore = (*Store)(nil)

// `redisURL` contains all the redis connection config options, eg "redis://localhost:6379/0".
func NewStore(redisURL string, sessionTTL, authRequestTTL time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis oauth store: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis oauth store: %w", err)
	}
	return &Store{
		rdb:            rdb,
		SessionTTL:     sessionTTL,
		AuthRequestTTL: authRequestTTL,
	}, nil
}

func sessionKey(did syntax.DID, sessionID string) string {
	return redisStorePrefix + "session/" + did.String() + "/" + sessionID
}

func authRequestKey(state string) string {
	return redisStorePrefix + "authreq/" + state
}

func (s *Store) getJSON(ctx context.Context, key string, out any) (bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("corrupt oauth store entry %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

func (s *Store) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*oauth.ClientSessionData, error) {
	var sess oauth.ClientSessionData
	ok, err := s.getJSON(ctx, sessionKey(did, sessionID), &sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", oauth.ErrSessionNotFound, did)
	}
	return &sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess oauth.ClientSessionData) error {
	return s.setJSON(ctx, sessionKey(sess.AccountDID, sess.SessionID), sess, s.SessionTTL)
}

func (s *Store) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(did, sessionID)).Err()
}

func (s *Store) GetAuthRequestInfo(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	var info oauth.AuthRequestData
	ok, err := s.getJSON(ctx, authRequestKey(state), &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, oauth.ErrAuthRequestNotFound
	}
	return &info, nil
}

// Fails if an auth request with the same state already exists.
func (s *Store) SaveAuthRequestInfo(ctx context.Context, info oauth.AuthRequestData) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, authRequestKey(info.State), b, s.AuthRequestTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("duplicate oauth state: %s", info.State)
	}
	return nil
}

func (s *Store) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	return s.rdb.Del(ctx, authRequestKey(state)).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
