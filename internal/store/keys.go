package store

// Key layout on the durable backend. Existing deployments depend on these
// names, so they must not change.
const (
	// KeyActiveUsers is the grow-only set of tracked user IDs.
	KeyActiveUsers = "users:active"
	// KeyUserActivity maps user ID to last-interaction timestamp (RFC3339).
	KeyUserActivity = "users:activity"
	// KeyQueueJobs maps user ID to the serialized state of their sync job.
	KeyQueueJobs = "queue:jobs"
	// KeyRateLimiter is the hash holding the shared token bucket.
	KeyRateLimiter = "ratelimit:imdb"
)

// CacheKey returns the watchlist cache key for one user.
func CacheKey(userID string) string {
	return "watchlist:" + userID
}

// LeaseKey returns the active-job lease key for one user. The lease expires
// on its own when a worker dies mid-job.
func LeaseKey(userID string) string {
	return "queue:lease:" + userID
}
