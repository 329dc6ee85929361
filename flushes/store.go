package flushes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flushes/flushes/atproto/syntax"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultFeedLimit = 50
	MaxFeedLimit     = 100
)

var ErrBadCursor = errors.New("malformed feed cursor")

// Locally indexed copy of a flush record.
type Flush struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	URI       string    `gorm:"uniqueIndex;not null" json:"uri"`
	CID       string    `json:"cid"`
	AuthorDID string    `gorm:"index;not null" json:"authorDid"`
	Handle    string    `json:"handle,omitempty"`
	RKey      string    `gorm:"not null" json:"rkey"`
	Text      string    `json:"text"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
	// record creation time in unix microseconds; feed order and cursors use this
	SortKey   int64     `gorm:"index" json:"-"`
	IndexedAt time.Time `gorm:"autoUpdateTime" json:"indexedAt"`
}

func RecordURI(did syntax.DID, rkey syntax.RecordKey) string {
	return fmt.Sprintf("at://%s/%s/%s", did, Collection, rkey)
}

// Splits an at:// URI for a flush record into author and record key.
func ParseRecordURI(uri string) (syntax.DID, syntax.RecordKey, error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", fmt.Errorf("not an at:// URI: %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("expected record URI with three path segments: %q", uri)
	}
	did, err := syntax.ParseDID(parts[0])
	if err != nil {
		return "", "", err
	}
	if parts[1] != Collection.String() {
		return "", "", fmt.Errorf("record is not in %s: %q", Collection, uri)
	}
	rkey, err := syntax.ParseRecordKey(parts[2])
	if err != nil {
		return "", "", err
	}
	return did, rkey, nil
}

func newFlush(did syntax.DID, rkey syntax.RecordKey, cid string, rec *Record) Flush {
	created, err := rec.CreatedAt.Time()
	if err != nil {
		created = time.Now()
	}
	created = created.UTC()
	return Flush{
		URI:       RecordURI(did, rkey),
		CID:       cid,
		AuthorDID: did.String(),
		RKey:      rkey.String(),
		Text:      rec.Text,
		Emoji:     rec.Emoji,
		CreatedAt: created,
		SortKey:   created.UnixMicro(),
	}
}

// One page of the feed, newest first. Cursor is empty on the last page.
type FeedPage struct {
	Flushes []Flush `json:"flushes"`
	Cursor  string  `json:"cursor,omitempty"`
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Flush{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Inserts or replaces the flush with the same URI.
func (s *Store) SaveFlush(ctx context.Context, f *Flush) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"cid", "handle", "text", "emoji", "created_at", "sort_key", "indexed_at"}),
	}).Create(f).Error
}

func (s *Store) GetFlush(ctx context.Context, did syntax.DID, rkey syntax.RecordKey) (*Flush, error) {
	var f Flush
	if err := s.db.WithContext(ctx).Where("uri = ?", RecordURI(did, rkey)).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// Missing rows are not an error.
func (s *Store) DeleteFlush(ctx context.Context, did syntax.DID, rkey syntax.RecordKey) error {
	return s.db.WithContext(ctx).Where("uri = ?", RecordURI(did, rkey)).Delete(&Flush{}).Error
}

func encodeCursor(f *Flush) string {
	return fmt.Sprintf("%d:%d", f.SortKey, f.ID)
}

func decodeCursor(cursor string) (int64, uint, error) {
	sk, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, ErrBadCursor
	}
	sortKey, err := strconv.ParseInt(sk, 10, 64)
	if err != nil {
		return 0, 0, ErrBadCursor
	}
	rowID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, 0, ErrBadCursor
	}
	return sortKey, uint(rowID), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultFeedLimit
	}
	return min(limit, MaxFeedLimit)
}

func (s *Store) page(ctx context.Context, q *gorm.DB, cursor string, limit int) (*FeedPage, error) {
	limit = clampLimit(limit)
	if cursor != "" {
		sortKey, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("sort_key < ? OR (sort_key = ? AND id < ?)", sortKey, sortKey, id)
	}

	var rows []Flush
	// one extra row tells whether there is a next page
	if err := q.WithContext(ctx).Order("sort_key DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}
	page := &FeedPage{Flushes: rows}
	if len(rows) > limit {
		page.Flushes = rows[:limit]
		page.Cursor = encodeCursor(&page.Flushes[limit-1])
	}
	return page, nil
}

// Global feed, newest first.
func (s *Store) RecentFlushes(ctx context.Context, cursor string, limit int) (*FeedPage, error) {
	return s.page(ctx, s.db.Model(&Flush{}), cursor, limit)
}

func (s *Store) AuthorFlushes(ctx context.Context, did syntax.DID, cursor string, limit int) (*FeedPage, error) {
	return s.page(ctx, s.db.Model(&Flush{}).Where("author_did = ?", did.String()), cursor, limit)
}

func (s *Store) CountByAuthor(ctx context.Context, did syntax.DID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Flush{}).Where("author_did = ?", did.String()).Count(&n).Error
	return n, err
}
