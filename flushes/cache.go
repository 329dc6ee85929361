package flushes

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultFeedCacheTTL = 30 * time.Second

// Short-lived cache of global feed pages. Entries are dropped on any local write.
type FeedCache struct {
	pages *expirable.LRU[string, *FeedPage]
}

func NewFeedCache(size int, ttl time.Duration) *FeedCache {
	if size <= 0 {
		size = 64
	}
	if ttl <= 0 {
		ttl = DefaultFeedCacheTTL
	}
	return &FeedCache{
		pages: expirable.NewLRU[string, *FeedPage](size, nil, ttl),
	}
}

func feedKey(cursor string, limit int) string {
	return fmt.Sprintf("%s/%d", cursor, clampLimit(limit))
}

func (c *FeedCache) Get(cursor string, limit int) (*FeedPage, bool) {
	return c.pages.Get(feedKey(cursor, limit))
}

func (c *FeedCache) Add(cursor string, limit int, page *FeedPage) {
	c.pages.Add(feedKey(cursor, limit), page)
}

func (c *FeedCache) Invalidate() {
	c.pages.Purge()
}

func (c *FeedCache) Len() int {
	return c.pages.Len()
}
