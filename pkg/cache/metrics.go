package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookups answered from Redis.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	// CacheMisses counts lookups that found nothing usable.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// StoredBytes counts bytes written to Redis.
	StoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_cache_stored_bytes_total",
		Help: "Total bytes of serialized entries written to the cache",
	})

	// NotModifiedResponses counts 304 answers to revalidation.
	NotModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_cache_not_modified_total",
		Help: "Total number of 304 Not Modified responses",
	})

	// ConditionalRequestsSent counts requests carrying If-None-Match or If-Modified-Since.
	ConditionalRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_cache_conditional_requests_total",
		Help: "Total number of conditional requests sent",
	})

	// CacheErrors counts Redis failures by operation.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikidot_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"
)
