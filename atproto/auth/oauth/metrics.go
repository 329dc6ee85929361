package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nonceProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_oauth_nonce_probes",
	Help: "DPoP nonce probe outcomes, by HTTP method",
}, []string{"method", "result"})

var tokenAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_oauth_token_attempts",
	Help: "Individual DPoP-signed token endpoint requests",
}, []string{"phase", "outcome"})

var tokenExchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flushes_oauth_token_exchange_duration",
	Help:    "Time for a complete token exchange, including nonce retries",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 15),
}, []string{"phase", "result"})

var authedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flushes_oauth_authed_requests",
	Help: "Authenticated resource server requests",
}, []string{"result"})
