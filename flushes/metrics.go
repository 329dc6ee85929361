package flushes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_record_writes",
	Help: "Flush record writes to account PDS hosts, by operation and result",
}, []string{"op", "result"})

var feedCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_feed_cache_lookups",
	Help: "Feed page cache lookups",
}, []string{"result"})

var listPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "flushes_list_record_pages",
	Help: "Pages of listRecords fetched from remote PDS hosts",
})
