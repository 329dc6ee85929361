package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/syntax"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pending auth requests older than this are treated as missing.
var DefaultAuthRequestTTL = 30 * time.Minute

type OAuthSession struct {
	AccountDID string                  `gorm:"primaryKey"`
	SessionID  string                  `gorm:"primaryKey"`
	Data       oauth.ClientSessionData `gorm:"serializer:json;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index"`
}

type OAuthAuthRequest struct {
	State     string                `gorm:"primaryKey"`
	Data      oauth.AuthRequestData `gorm:"serializer:json;not null"`
	CreatedAt time.Time             `gorm:"index"`
}

// SQL-backed [oauth.ClientAuthStore]. Works with any gorm dialect; tests use SQLite.
type Store struct {
	db *gorm.DB

	AuthRequestTTL time.Duration
}

var _ oauth.ClientAuthStore = (*Store)(nil)

// Runs migrations for the session and auth request tables.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&OAuthSession{}, &OAuthAuthRequest{}); err != nil {
		return nil, fmt.Errorf("migrating oauth tables: %w", err)
	}
	return &Store{db: db, AuthRequestTTL: DefaultAuthRequestTTL}, nil
}

func (s *Store) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*oauth.ClientSessionData, error) {
	var row OAuthSession
	err := s.db.WithContext(ctx).Where("account_did = ? AND session_id = ?", did.String(), sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", oauth.ErrSessionNotFound, did)
	}
	if err != nil {
		return nil, err
	}
	return &row.Data, nil
}

func (s *Store) SaveSession(ctx context.Context, sess oauth.ClientSessionData) error {
	row := OAuthSession{
		AccountDID: sess.AccountDID.String(),
		SessionID:  sess.SessionID,
		Data:       sess,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_did"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	return s.db.WithContext(ctx).Where("account_did = ? AND session_id = ?", did.String(), sessionID).Delete(&OAuthSession{}).Error
}

func (s *Store) GetAuthRequestInfo(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	var row OAuthAuthRequest
	err := s.db.WithContext(ctx).Where("state = ?", state).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.AuthRequestTTL > 0 && time.Since(row.CreatedAt) > s.AuthRequestTTL {
		return nil, fmt.Errorf("%w: expired", oauth.ErrAuthRequestNotFound)
	}
	return &row.Data, nil
}

func (s *Store) SaveAuthRequestInfo(ctx context.Context, info oauth.AuthRequestData) error {
	row := OAuthAuthRequest{
		State: info.State,
		Data:  info,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	return s.db.WithContext(ctx).Where("state = ?", state).Delete(&OAuthAuthRequest{}).Error
}

// Removes abandoned auth requests and sessions idle for longer than sessionMaxIdle (if non-zero). Returns the number of rows deleted.
func (s *Store) Prune(ctx context.Context, sessionMaxIdle time.Duration) (int64, error) {
	var total int64
	if s.AuthRequestTTL > 0 {
		res := s.db.WithContext(ctx).Where("created_at < ?", time.Now().Add(-s.AuthRequestTTL)).Delete(&OAuthAuthRequest{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	if sessionMaxIdle > 0 {
		res := s.db.WithContext(ctx).Where("updated_at < ?", time.Now().Add(-sessionMaxIdle)).Delete(&OAuthSession{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// Number of stored sessions for an account.
func (s *Store) CountSessions(ctx context.Context, did syntax.DID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&OAuthSession{}).Where("account_did = ?", did.String()).Count(&n).Error
	return n, err
}
