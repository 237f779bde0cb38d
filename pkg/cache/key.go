package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every key this package writes.
const KeyPrefix = "gfn"

// CacheKey identifies a cached API response.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/data/all/2019")
	Endpoint string

	// QueryParams are the query parameters, if any
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: gfn:endpoint:query1=val1:query2=val2
//
// Example:
//
//	gfn:data/all/2019
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	return strings.Join(parts, ":")
}
