package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// ErrNoCacheEntry is returned when a user has no entry at all, fresh or
// stale.
var ErrNoCacheEntry = errors.New("sync: no cache entry")

// Cache reads and writes per-user watchlist entries. Entries carry no
// store-level TTL: staleness is judged at read time, so an old entry stays
// servable while refreshing keeps failing.
type Cache struct {
	log   zerolog.Logger
	store store.Store
	ttl   time.Duration
}

func NewCache(log logger.Logger, st store.Store, ttl time.Duration) *Cache {
	return &Cache{
		log:   log.With().Str("module", "cache").Logger(),
		store: st,
		ttl:   ttl,
	}
}

// Put stores a payload as the user's current watchlist, stamping it with
// the write time.
func (c *Cache) Put(ctx context.Context, userID string, payload []byte) error {
	entry := domain.CacheEntry{
		UserID:   userID,
		CachedAt: time.Now(),
		Payload:  payload,
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encoding cache entry for %s", userID)
	}
	if err := c.store.Set(ctx, store.CacheKey(userID), value, 0); err != nil {
		return errors.Wrap(err, "storing cache entry for %s", userID)
	}

	c.log.Trace().Str("user", userID).Int("bytes", len(payload)).Msg("cache entry written")
	return nil
}

// Get returns the user's entry and whether it is past its freshness window.
// Stale entries come back with their original timestamp, not an error.
func (c *Cache) Get(ctx context.Context, userID string) (*domain.CacheEntry, bool, error) {
	raw, err := c.store.Get(ctx, store.CacheKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrNoCacheEntry
		}
		return nil, false, errors.Wrap(err, "reading cache entry for %s", userID)
	}

	entry := &domain.CacheEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, false, errors.Wrap(err, "decoding cache entry for %s", userID)
	}
	return entry, entry.Stale(c.ttl), nil
}
