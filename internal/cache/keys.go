package cache

import "strings"

// Key prefixes shared by writers and the ingestion-time invalidation sweep.
const (
	SearchPrefix  = "search:"
	SessionPrefix = "session:"
)

// CacheKey joins key components with ":".
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// SearchKey builds the cache key for a fused search result. The hash must
// already be stable over (query, k, filters).
func SearchKey(stableHash string) string {
	return SearchPrefix + stableHash
}

// SessionKey builds the cache key for a conversation's session state.
func SessionKey(conversationID string) string {
	return SessionPrefix + conversationID
}
