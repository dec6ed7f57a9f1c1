package domain

import (
	"context"
	"time"
)

// Fetcher retrieves a user's watchlist from the upstream source. Any error
// is treated as a job failure by the worker pool and retried per the queue's
// backoff policy.
type Fetcher interface {
	FetchWatchlist(ctx context.Context, userID string) ([]byte, error)
}

// CacheEntry is the stored result of the most recent successful refresh for
// one user. Entries are overwritten in place and never deleted: an entry
// past its TTL means "should refresh" but remains servable as a fallback.
type CacheEntry struct {
	UserID   string    `json:"user_id"`
	CachedAt time.Time `json:"cached_at"`
	Payload  []byte    `json:"payload"`
}

// Stale reports whether the entry is older than ttl.
func (e *CacheEntry) Stale(ttl time.Duration) bool {
	return time.Since(e.CachedAt) > ttl
}

// Age returns how long ago the entry was written.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}
