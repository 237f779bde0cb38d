package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by freshness state
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gfn_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"state"}, // "fresh", "stale"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gfn_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// StoredBytes tracks bytes written to Redis
	StoredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gfn_cache_stored_bytes_total",
			Help: "Total bytes of cache entries written to Redis",
		},
	)

	// NotModifiedResponses tracks successful revalidations
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gfn_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gfn_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
