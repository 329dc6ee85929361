package identity

import (
	"context"
	"strings"
	"time"

	"github.com/flushes/flushes/atproto/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Anything which resolves identifiers like [Resolver.Resolve].
type AccountResolver interface {
	Resolve(ctx context.Context, raw string) (Outcome[Account], error)
}

var _ AccountResolver = (*Resolver)(nil)
var _ AccountResolver = (*CachingResolver)(nil)

type cacheEntry struct {
	Updated time.Time
	Outcome Outcome[Account]
	Err     error
}

// Expirable LRU in front of an [AccountResolver]. Degraded outcomes and errors are cached for ErrTTL, which should be shorter than the hit TTL.
type CachingResolver struct {
	Inner  AccountResolver
	ErrTTL time.Duration
	cache  *expirable.LRU[string, cacheEntry]
}

// Capacity of zero means unlimited size. Similarly, ttl of zero means unlimited duration.
func NewCachingResolver(inner AccountResolver, capacity int, hitTTL, errTTL time.Duration) *CachingResolver {
	return &CachingResolver{
		Inner:  inner,
		ErrTTL: errTTL,
		cache:  expirable.NewLRU[string, cacheEntry](capacity, nil, hitTTL),
	}
}

func (c *CachingResolver) isStale(e *cacheEntry) bool {
	if (e.Err != nil || e.Outcome.IsDegraded()) && time.Since(e.Updated) > c.ErrTTL {
		return true
	}
	return false
}

func (c *CachingResolver) Resolve(ctx context.Context, raw string) (Outcome[Account], error) {
	key := cacheKey(raw)
	entry, ok := c.cache.Get(key)
	if ok && !c.isStale(&entry) {
		resolveCacheResult.WithLabelValues("hit").Inc()
		return entry.Outcome, entry.Err
	}
	resolveCacheResult.WithLabelValues("miss").Inc()

	out, err := c.Inner.Resolve(ctx, raw)
	// cancellation says nothing about the identifier
	if ctx.Err() != nil {
		return out, err
	}
	c.cache.Add(key, cacheEntry{Updated: time.Now(), Outcome: out, Err: err})
	return out, err
}

func (c *CachingResolver) Purge(raw string) {
	c.cache.Remove(cacheKey(raw))
}

func cacheKey(raw string) string {
	atid, err := syntax.ParseAtIdentifier(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return atid.Normalize().String()
}
