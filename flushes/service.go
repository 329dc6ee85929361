package flushes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flushes/flushes/atproto/client"
	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/atproto/syntax"
	"github.com/flushes/flushes/pkg/robusthttp"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	// bound on a whole listRecords pagination loop against one host
	DefaultFetchTimeout = 15 * time.Second

	listPageSize = 100
	maxListPages = 50
)

var ErrNoAccount = errors.New("API client is not bound to an account")

type Service struct {
	Store *Store
	Cache *FeedCache

	// Used for unauthenticated reads from remote PDS hosts. Writes go through the caller's authenticated client.
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	// Concurrent accounts during [Service.Backfill].
	BackfillParallelism int
	Logger              *slog.Logger

	clock *syntax.TIDClock
}

func NewService(store *Store, cache *FeedCache) *Service {
	return &Service{
		Store:               store,
		Cache:               cache,
		HTTPClient:          robusthttp.NewClient(),
		FetchTimeout:        DefaultFetchTimeout,
		BackfillParallelism: 4,
		Logger:              slog.Default().With("subsystem", "flushes"),
		clock:               syntax.NewTIDClock(0),
	}
}

func accountDID(c *client.APIClient) (syntax.DID, error) {
	if c == nil || c.AccountDID == nil {
		return "", ErrNoAccount
	}
	return *c.AccountDID, nil
}

// Local index failures are logged, not returned: the record already exists on the PDS.
func (s *Service) index(ctx context.Context, f *Flush) {
	if err := s.Store.SaveFlush(ctx, f); err != nil {
		s.Logger.Error("failed to index flush", "uri", f.URI, "err", err)
	}
	if s.Cache != nil {
		s.Cache.Invalidate()
	}
}

// Writes a new flush record to the account's repo and indexes it locally.
func (s *Service) PostFlush(ctx context.Context, c *client.APIClient, handle syntax.Handle, text, emoji string) (*Flush, error) {
	did, err := accountDID(c)
	if err != nil {
		return nil, err
	}
	rec, err := NewRecord(text, emoji)
	if err != nil {
		return nil, err
	}

	rkey := s.clock.Next().RecordKey()
	ref, err := c.CreateRecord(ctx, Collection, rkey.String(), rec)
	if err != nil {
		recordWrites.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("creating flush record: %w", err)
	}
	recordWrites.WithLabelValues("create", "ok").Inc()

	if _, serverKey, err := ParseRecordURI(ref.URI); err == nil {
		rkey = serverKey
	}
	f := newFlush(did, rkey, ref.CID, rec)
	f.Handle = handle.String()
	s.index(ctx, &f)
	s.Logger.Info("posted flush", "did", did, "rkey", rkey)
	return &f, nil
}

// Replaces the text and emoji of an existing flush. The original createdAt is kept when the flush is indexed locally.
func (s *Service) UpdateFlush(ctx context.Context, c *client.APIClient, handle syntax.Handle, rkey syntax.RecordKey, text, emoji string) (*Flush, error) {
	did, err := accountDID(c)
	if err != nil {
		return nil, err
	}
	rec, err := NewRecord(text, emoji)
	if err != nil {
		return nil, err
	}
	prev, err := s.Store.GetFlush(ctx, did, rkey)
	if err == nil {
		rec.CreatedAt = syntax.Datetime(prev.CreatedAt.UTC().Format(syntax.AtprotoDatetimeLayout))
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ref, err := c.PutRecord(ctx, Collection, rkey, rec)
	if err != nil {
		recordWrites.WithLabelValues("put", "error").Inc()
		return nil, fmt.Errorf("updating flush record: %w", err)
	}
	recordWrites.WithLabelValues("put", "ok").Inc()

	f := newFlush(did, rkey, ref.CID, rec)
	f.Handle = handle.String()
	s.index(ctx, &f)
	return &f, nil
}

func (s *Service) DeleteFlush(ctx context.Context, c *client.APIClient, rkey syntax.RecordKey) error {
	did, err := accountDID(c)
	if err != nil {
		return err
	}
	if err := c.DeleteRecord(ctx, Collection, rkey); err != nil {
		recordWrites.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("deleting flush record: %w", err)
	}
	recordWrites.WithLabelValues("delete", "ok").Inc()

	if err := s.Store.DeleteFlush(ctx, did, rkey); err != nil {
		s.Logger.Error("failed to remove flush from index", "did", did, "rkey", rkey, "err", err)
	}
	if s.Cache != nil {
		s.Cache.Invalidate()
	}
	return nil
}

// Global feed page, served from the cache when fresh.
func (s *Service) Feed(ctx context.Context, cursor string, limit int) (*FeedPage, error) {
	if s.Cache != nil {
		if page, ok := s.Cache.Get(cursor, limit); ok {
			feedCacheLookups.WithLabelValues("hit").Inc()
			return page, nil
		}
		feedCacheLookups.WithLabelValues("miss").Inc()
	}
	page, err := s.Store.RecentFlushes(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.Add(cursor, limit, page)
	}
	return page, nil
}

// Lists every flush record in an account's repo, following cursors until exhausted.
//
// The whole loop shares one deadline of FetchTimeout. On timeout or a failed page, the records collected so far are returned along with the error. Records that fail validation are skipped.
func (s *Service) FetchAccountFlushes(ctx context.Context, pds string, did syntax.DID) ([]Flush, error) {
	timeout := s.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := client.NewAPIClient(pds)
	if s.HTTPClient != nil {
		c.HTTPClient = s.HTTPClient
	}

	var out []Flush
	cursor := ""
	for range maxListPages {
		resp, err := client.ListRecords[Record](ctx, c, did.AtIdentifier(), Collection, cursor, listPageSize)
		if err != nil {
			return out, fmt.Errorf("listing flushes for %s: %w", did, err)
		}
		listPagesFetched.Inc()

		for _, item := range resp.Records {
			author, rkey, err := ParseRecordURI(item.URI)
			if err != nil || author != did {
				s.Logger.Debug("skipping record with unexpected URI", "did", did, "uri", item.URI)
				continue
			}
			rec := item.Value
			if err := rec.Validate(); err != nil {
				s.Logger.Debug("skipping invalid flush record", "uri", item.URI, "err", err)
				continue
			}
			out = append(out, newFlush(did, rkey, item.CID, &rec))
		}

		if resp.Cursor == nil || *resp.Cursor == "" || *resp.Cursor == cursor || len(resp.Records) == 0 {
			return out, nil
		}
		cursor = *resp.Cursor
	}
	s.Logger.Warn("stopped paginating flushes", "did", did, "pages", maxListPages)
	return out, nil
}

// Fetches and indexes the flushes of each account from its PDS. Accounts without a PDS endpoint are skipped. Returns the number of flushes indexed; a failure for one account does not stop the others.
func (s *Service) Backfill(ctx context.Context, accounts []identity.Account) (int64, error) {
	var indexed atomic.Int64
	var failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.BackfillParallelism, 1))
	for _, acc := range accounts {
		if acc.PDSEndpoint == "" {
			s.Logger.Warn("skipping backfill of account without PDS", "did", acc.DID)
			continue
		}
		g.Go(func() error {
			flushes, err := s.FetchAccountFlushes(ctx, acc.PDSEndpoint, acc.DID)
			if err != nil {
				failed.Add(1)
				s.Logger.Warn("backfill fetch failed", "did", acc.DID, "fetched", len(flushes), "err", err)
			}
			for i := range flushes {
				flushes[i].Handle = acc.Handle.String()
				if err := s.Store.SaveFlush(ctx, &flushes[i]); err != nil {
					return err
				}
				indexed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return indexed.Load(), err
	}
	if s.Cache != nil {
		s.Cache.Invalidate()
	}
	if n := failed.Load(); n > 0 {
		return indexed.Load(), fmt.Errorf("backfill failed for %d of %d accounts", n, len(accounts))
	}
	return indexed.Load(), nil
}
