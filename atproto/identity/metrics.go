package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_identity_resolve_handle",
	Help: "Handle resolutions",
}, []string{"status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flushes_identity_resolve_handle_duration",
	Help:    "Time to resolve a handle",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"status"})

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_identity_resolve_did",
	Help: "DID document fetches",
}, []string{"method", "status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flushes_identity_resolve_did_duration",
	Help:    "Time to fetch a DID document",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"method", "status"})

var resolveCacheResult = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_identity_resolve_cache",
	Help: "Identity cache lookups",
}, []string{"result"})
