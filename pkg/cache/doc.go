// Package cache stores platform GET responses in Redis and revalidates them
// with conditional requests.
//
// Entries are keyed by method, host, path and sorted query (see Key). The
// lifetime of an entry comes from the response itself, in this order:
//
//   - Cache-Control: no-store disables caching for that response
//   - Cache-Control: max-age=N
//   - Expires
//   - the fallback TTL passed to ResponseToEntry
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.KeyFromRequest(req)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the platform, then:
//		entry, _ = cache.ResponseToEntry(resp, 5*time.Minute)
//		_ = manager.Set(ctx, key, entry)
//	}
//
// # Conditional Requests
//
//	if cache.CanRevalidate(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 answer means the cached entry is still current
//	}
//
// # Metrics
//
//   - wikidot_cache_hits_total
//   - wikidot_cache_misses_total
//   - wikidot_cache_stored_bytes_total
//   - wikidot_cache_not_modified_total
//   - wikidot_cache_conditional_requests_total
//   - wikidot_cache_errors_total{operation}
package cache
