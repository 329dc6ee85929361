package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// prefix string for all the Redis keys this cache uses
var redisDirPrefix string = "acct/"

// Uses redis as a shared cache for account resolution, so several app instances share lookups.
//
// Includes an in-process LRU cache as well (provided by the redis client library), for hot accounts.
type RedisResolver struct {
	Inner  identity.AccountResolver
	ErrTTL time.Duration
	HitTTL time.Duration

	accountCache *cache.Cache
	lookupChans  sync.Map
}

// Serializable form of a resolution result. Errors do not survive serialization; they come back as plain messages.
type accountEntry struct {
	Updated  time.Time
	Account  identity.Account
	Degraded bool
	Cause    string
	Err      string
	Status   int
}

var _ identity.AccountResolver = (*RedisResolver)(nil)

// Creates a new caching wrapper around an existing resolver, using Redis and in-process LRU for caching.
//
// `redisURL` contains all the redis connection config options.
// `hitTTL` and `errTTL` define how long definitive and degraded/errored results should be cached (respectively). errTTL is expected to be shorter than hitTTL.
// `lruSize` is the size of the in-process cache. 10000 is a reasonable default.
func NewRedisResolver(inner identity.AccountResolver, redisURL string, hitTTL, errTTL time.Duration, lruSize int) (*RedisResolver, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis identity cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis identity cache: %w", err)
	}
	return newRedisResolver(inner, rdb, hitTTL, errTTL, lruSize), nil
}

// rdb may be nil, leaving only the in-process cache.
func newRedisResolver(inner identity.AccountResolver, rdb *redis.Client, hitTTL, errTTL time.Duration, lruSize int) *RedisResolver {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(lruSize, hitTTL),
	}
	if rdb != nil {
		opts.Redis = rdb
	}
	return &RedisResolver{
		Inner:        inner,
		ErrTTL:       errTTL,
		HitTTL:       hitTTL,
		accountCache: cache.New(opts),
	}
}

func cacheKey(raw string) string {
	atid, err := syntax.ParseAtIdentifier(raw)
	if err != nil {
		return redisDirPrefix + strings.ToLower(strings.TrimSpace(raw))
	}
	return redisDirPrefix + atid.Normalize().String()
}

func (d *RedisResolver) isStale(e *accountEntry) bool {
	if (e.Err != "" || e.Degraded) && time.Since(e.Updated) > d.ErrTTL {
		return true
	}
	return false
}

func (e *accountEntry) result(raw string) (identity.Outcome[identity.Account], error) {
	if e.Err != "" {
		return identity.Outcome[identity.Account]{}, &identity.ResolutionError{Identifier: raw, StatusCode: e.Status, Err: errors.New(e.Err)}
	}
	if e.Degraded {
		return identity.Degraded(e.Account, errors.New(e.Cause)), nil
	}
	return identity.Definitive(e.Account), nil
}

func (d *RedisResolver) update(ctx context.Context, key, raw string) accountEntry {
	out, err := d.Inner.Resolve(ctx, raw)
	entry := accountEntry{
		Updated:  time.Now(),
		Account:  out.Value(),
		Degraded: out.IsDegraded(),
	}
	ttl := d.HitTTL
	if err != nil {
		entry.Err = err.Error()
		var re *identity.ResolutionError
		if errors.As(err, &re) {
			entry.Status = re.StatusCode
			if re.Err != nil {
				entry.Err = re.Err.Error()
			}
		}
		ttl = d.ErrTTL
	} else if out.IsDegraded() {
		entry.Cause = out.Cause().Error()
		ttl = d.ErrTTL
	}
	// cancellation says nothing about the identifier
	if ctx.Err() != nil {
		return entry
	}

	err = d.accountCache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: entry,
		TTL:   ttl,
	})
	if err != nil {
		slog.Error("identity cache write failed", "key", key, "err", err)
	}
	return entry
}

func (d *RedisResolver) Resolve(ctx context.Context, raw string) (identity.Outcome[identity.Account], error) {
	key := cacheKey(raw)
	var entry accountEntry
	err := d.accountCache.Get(ctx, key, &entry)
	if err != nil && err != cache.ErrCacheMiss {
		return identity.Outcome[identity.Account]{}, fmt.Errorf("identity cache read failed: %w", err)
	}
	if err == nil && !d.isStale(&entry) {
		accountCacheHits.Inc()
		return entry.result(raw)
	}
	accountCacheMisses.Inc()

	// Coalesce multiple requests for the same identifier
	res := make(chan struct{})
	val, loaded := d.lookupChans.LoadOrStore(key, res)
	if loaded {
		accountRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			// The result should now be in the cache
			err := d.accountCache.Get(ctx, key, &entry)
			if err != nil && err != cache.ErrCacheMiss {
				return identity.Outcome[identity.Account]{}, fmt.Errorf("identity cache read failed: %w", err)
			}
			if err == nil && !d.isStale(&entry) {
				return entry.result(raw)
			}
			return identity.Outcome[identity.Account]{}, errors.New("account not found in cache after coalesce returned")
		case <-ctx.Done():
			return identity.Outcome[identity.Account]{}, ctx.Err()
		}
	}

	newEntry := d.update(ctx, key, raw)

	// Cleanup the coalesce map and close the results channel
	d.lookupChans.Delete(key)
	close(res)

	return newEntry.result(raw)
}

func (d *RedisResolver) Purge(ctx context.Context, raw string) error {
	err := d.accountCache.Delete(ctx, cacheKey(raw))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}
