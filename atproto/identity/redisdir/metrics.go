package redisdir

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var accountCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flushes_redis_identity_cache_hits",
	Help: "Number of cache hits for account resolution",
})

var accountCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flushes_redis_identity_cache_misses",
	Help: "Number of cache misses for account resolution",
})

var accountRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flushes_redis_identity_requests_coalesced",
	Help: "Number of account resolutions coalesced",
})
