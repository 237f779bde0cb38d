// Package cache keeps raw API responses in Redis so repeated extraction runs
// do not hit the API for data that has not changed.
//
// Entries are retained for a fixed period (the manager's retention) which is
// independent of their freshness. A fresh entry is served as is. A stale entry
// that carries an ETag or Last-Modified value is revalidated with a conditional
// request; a 304 answer refreshes its expiry and the cached body is reused.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, cache.DefaultRetention)
//
//	key := cache.CacheKey{Endpoint: "/data/all/2019"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API
//	}
//
// # Metrics
//
//   - gfn_cache_hits_total{state="fresh"|"stale"} - Cache hits
//   - gfn_cache_misses_total - Cache misses
//   - gfn_cache_stored_bytes_total - Bytes written to Redis
//   - gfn_304_responses_total - Successful revalidations
//   - gfn_cache_errors_total{operation} - Cache operation errors
package cache
