package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/queue"
	"github.com/flurbudurbur/Eiga/internal/ratelimit"
	"github.com/flurbudurbur/Eiga/internal/store"
	syncsvc "github.com/flurbudurbur/Eiga/internal/sync"
)

// newSyncService builds a memory-backed orchestrator for handler tests. No
// worker pool runs, so scheduled jobs stay observable in the queue.
func newSyncService(t *testing.T) (syncService, store.Store, *queue.Queue) {
	t.Helper()

	log := logger.Mock()
	failover := store.NewFailover(log, EventBus.New(), nil, store.NewMemoryStore(), time.Minute)
	q := queue.New(log, EventBus.New(), failover, domain.QueueConfig{})

	cfg := domain.SyncConfig{IntervalSeconds: 43200, CacheTTLSeconds: 900, BulkThreshold: 10}
	cache := syncsvc.NewCache(log, failover, cfg.CacheTTL())
	limiter := ratelimit.NewLocalLimiter(log, 10, 10, time.Minute)

	return syncsvc.NewService(log, cfg, failover, cache, q, nil, limiter), failover, q
}

func newWatchlistRouter(svc syncService) chi.Router {
	handler := newWatchlistHandler(encoder{}, logger.Mock().With().Logger(), svc)
	router := chi.NewRouter()
	router.Route("/watchlist", handler.Routes)
	return router
}

func TestWatchlistHandler_MissSchedulesRefresh(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newWatchlistRouter(svc)

	req := httptest.NewRequest("GET", "/watchlist/ur1234567", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 1, q.Stats().Waiting, "a miss queues a refresh")

	users, err := svc.ActiveUsers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, users, "ur1234567", "requesting a watchlist tracks the user")
}

func TestWatchlistHandler_ServesFreshEntry(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newWatchlistRouter(svc)

	payload := []byte(`{"items":[{"id":"tt0111161"}]}`)
	require.NoError(t, svc.CacheWatchlist(context.Background(), "ur1234567", payload))

	req := httptest.NewRequest("GET", "/watchlist/ur1234567", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res watchlistResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "ur1234567", res.UserID)
	assert.False(t, res.Stale)
	assert.NotEmpty(t, res.Age)
	assert.JSONEq(t, string(payload), string(res.Watchlist))

	assert.Zero(t, q.Stats().Waiting, "fresh entries schedule nothing")
}

func TestWatchlistHandler_StaleEntryServedWithRefresh(t *testing.T) {
	svc, st, q := newSyncService(t)
	router := newWatchlistRouter(svc)
	ctx := context.Background()

	// seed an entry past the 15 minute freshness window
	payload := []byte(`{"items":[]}`)
	entry := domain.CacheEntry{
		UserID:   "ur7654321",
		CachedAt: time.Now().Add(-20 * time.Minute),
		Payload:  payload,
	}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, store.CacheKey("ur7654321"), raw, 0))

	req := httptest.NewRequest("GET", "/watchlist/ur7654321", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res watchlistResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Stale)
	assert.JSONEq(t, string(payload), string(res.Watchlist))
	assert.WithinDuration(t, entry.CachedAt, res.CachedAt, time.Second, "the original timestamp survives")

	assert.Equal(t, 1, q.Stats().Waiting, "a stale read queues a refresh behind the response")
}

func TestWatchlistHandler_Refresh(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newWatchlistRouter(svc)

	req := httptest.NewRequest("POST", "/watchlist/ur1234567/refresh", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var res refreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "ur1234567", res.UserID)
	assert.True(t, res.Scheduled)

	// scheduling twice is an idempotent success, not a second job
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/watchlist/ur1234567/refresh", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	assert.Equal(t, 1, q.Stats().Waiting)
}
