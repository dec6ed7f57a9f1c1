package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/queue"
	"github.com/flurbudurbur/Eiga/internal/ratelimit"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/internal/worker"
)

type fetcherFunc func(ctx context.Context, userID string) ([]byte, error)

func (f fetcherFunc) FetchWatchlist(ctx context.Context, userID string) ([]byte, error) {
	return f(ctx, userID)
}

type harness struct {
	svc      *service
	queue    *queue.Queue
	failover *store.Failover
}

func newHarness(t *testing.T, fetcher domain.Fetcher, queueCfg domain.QueueConfig, workers int) *harness {
	t.Helper()

	log := logger.Mock()
	bus := EventBus.New()
	failover := store.NewFailover(log, bus, nil, store.NewMemoryStore(), time.Minute)
	q := queue.New(log, bus, failover, queueCfg)

	cfg := domain.SyncConfig{IntervalSeconds: 43200, CacheTTLSeconds: 900, BulkThreshold: 10}
	cache := NewCache(log, failover, cfg.CacheTTL())
	limiter := ratelimit.NewLocalLimiter(log, 100, 100, time.Minute)

	var pool *worker.Pool
	if workers > 0 {
		pool = worker.NewPool(log, q, limiter, fetcher, cache, domain.WorkerConfig{Concurrency: workers})
	}

	svc := NewService(log, cfg, failover, cache, q, pool, limiter).(*service)
	return &harness{svc: svc, queue: q, failover: failover}
}

func TestPriorityFromActivity(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	stamp := func(age time.Duration) string {
		return now.Add(-age).Format(time.RFC3339)
	}

	tests := []struct {
		name     string
		lastSeen string
		want     domain.Priority
	}{
		{"never seen", "", domain.PriorityLow},
		{"seen half an hour ago", stamp(30 * time.Minute), domain.PriorityHigh},
		{"seen exactly two hours ago", stamp(2 * time.Hour), domain.PriorityHigh},
		{"seen three hours ago", stamp(3 * time.Hour), domain.PriorityNormal},
		{"seen exactly a day ago", stamp(24 * time.Hour), domain.PriorityNormal},
		{"seen two days ago", stamp(48 * time.Hour), domain.PriorityLow},
		{"unreadable timestamp", "yesterday-ish", domain.PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, priorityFromActivity(tt.lastSeen, now))
		})
	}
}

func TestService_ScheduleForUserIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	ok, err := h.svc.ScheduleForUser(ctx, "u1", domain.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second call while the job is pending succeeds without duplicating
	ok, err = h.svc.ScheduleForUser(ctx, "u1", domain.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, h.queue.Stats().Waiting)
}

func TestService_TrackingAndActivity(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	require.NoError(t, h.svc.TrackUser(ctx, "u1"))
	require.NoError(t, h.svc.TrackUser(ctx, "u1"))
	require.NoError(t, h.svc.TrackUser(ctx, "u2"))

	users, err := h.svc.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)

	require.NoError(t, h.svc.RecordActivity(ctx, "u1"))
	assert.Equal(t, domain.PriorityHigh, h.svc.PriorityForUser(ctx, "u1"))
	assert.Equal(t, domain.PriorityLow, h.svc.PriorityForUser(ctx, "u2"))
}

func TestService_ScheduleBulk(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()
	now := time.Now()

	seedActivity := func(userID string, age time.Duration) {
		stamp := now.Add(-age).UTC().Format(time.RFC3339)
		require.NoError(t, h.failover.MapSet(ctx, store.KeyUserActivity, userID, stamp))
	}
	seedActivity("recent", time.Hour)
	seedActivity("today", 10*time.Hour)
	seedActivity("dormant", 72*time.Hour)

	// one user is already queued and must be skipped
	_, err := h.svc.ScheduleForUser(ctx, "queued", domain.PriorityNormal)
	require.NoError(t, err)

	result := h.svc.ScheduleBulk(ctx, []string{"recent", "today", "dormant", "queued"}, h.svc.PriorityResolver(ctx))
	assert.Equal(t, domain.BulkResult{Scheduled: 3, Skipped: 1, Failed: 0}, result)

	// the activity rule decided each user's place in line
	first, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recent", first.UserID)
	assert.Equal(t, domain.PriorityHigh, first.Priority)

	second, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "today", second.UserID)
	assert.Equal(t, domain.PriorityNormal, second.Priority)
}

func TestService_ScheduleStaggered(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	users := make([]string, 100)
	for i := range users {
		users[i] = fmt.Sprintf("ur%03d", i)
	}
	window := 12 * time.Hour
	step := window / time.Duration(len(users))

	start := time.Now()
	scheduled := h.svc.ScheduleStaggered(ctx, users, window)
	assert.Equal(t, len(users), scheduled)

	records, err := h.failover.MapGetAll(ctx, store.KeyQueueJobs)
	require.NoError(t, err)
	require.Len(t, records, len(users))

	readyAts := make([]time.Time, 0, len(records))
	for _, raw := range records {
		var job domain.SyncJob
		require.NoError(t, json.Unmarshal([]byte(raw), &job))
		readyAts = append(readyAts, job.ReadyAt)
	}
	sort.Slice(readyAts, func(i, j int) bool { return readyAts[i].Before(readyAts[j]) })

	// successive enqueue times are a constant window/N apart
	for i := 1; i < len(readyAts); i++ {
		assert.WithinDuration(t, readyAts[i-1].Add(step), readyAts[i], time.Second,
			"gap between user %d and %d drifted", i-1, i)
	}

	// the last user lands within one step of the window's end
	assert.WithinDuration(t, start.Add(window-step), readyAts[len(readyAts)-1], 2*time.Second)

	stats := h.queue.Stats()
	assert.Equal(t, 1, stats.Waiting, "the first user runs immediately")
	assert.Equal(t, len(users)-1, stats.Delayed)
}

func TestService_EndToEndFreshFetch(t *testing.T) {
	payload := []byte(`{"predefinedList":{"items":[{"id":"tt0111161"}]}}`)
	fetcher := fetcherFunc(func(_ context.Context, userID string) ([]byte, error) {
		return payload, nil
	})

	h := newHarness(t, fetcher, domain.QueueConfig{}, 2)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx))
	defer h.svc.Shutdown()

	_, _, err := h.svc.GetCached(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoCacheEntry)

	enqueuedAt := time.Now()
	ok, err := h.svc.ScheduleForUser(ctx, "u1", domain.PriorityHigh)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, _, err := h.svc.GetCached(ctx, "u1")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	entry, stale, err := h.svc.GetCached(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, payload, entry.Payload)
	assert.False(t, entry.CachedAt.Before(enqueuedAt), "cache timestamp must not predate the request")
}

func TestService_EndToEndStaleServe(t *testing.T) {
	fetcher := fetcherFunc(func(_ context.Context, userID string) ([]byte, error) {
		return nil, fmt.Errorf("imdb: upstream unavailable (status 503)")
	})

	h := newHarness(t, fetcher, domain.QueueConfig{MaxAttempts: 3}, 1)
	ctx := context.Background()

	// an entry 20 minutes old against a 15 minute freshness window
	cachedAt := time.Now().Add(-20 * time.Minute)
	seeded, err := json.Marshal(domain.CacheEntry{UserID: "u2", CachedAt: cachedAt, Payload: []byte(`["old"]`)})
	require.NoError(t, err)
	require.NoError(t, h.failover.Set(ctx, store.CacheKey("u2"), seeded, 0))

	require.NoError(t, h.svc.Start(ctx))
	defer h.svc.Shutdown()

	ok, err := h.svc.ScheduleForUser(ctx, "u2", domain.PriorityHigh)
	require.NoError(t, err)
	require.True(t, ok)

	// the refresh fails and goes into backoff
	require.Eventually(t, func() bool {
		return h.queue.Stats().Delayed == 1
	}, 3*time.Second, 10*time.Millisecond)

	entry, stale, err := h.svc.GetCached(ctx, "u2")
	require.NoError(t, err, "a stale entry is still served, not replaced by an error")
	assert.True(t, stale)
	assert.Equal(t, []byte(`["old"]`), entry.Payload)
	assert.WithinDuration(t, cachedAt, entry.CachedAt, time.Second, "the original timestamp is preserved")
}

func TestService_GetCachedRejectsCorruptEntries(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	require.NoError(t, h.failover.Set(ctx, store.CacheKey("u1"), []byte("not json"), 0))

	_, _, err := h.svc.GetCached(ctx, "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCacheEntry)
}

func TestService_StatsAggregates(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	require.NoError(t, h.svc.TrackUser(ctx, "u1"))
	require.NoError(t, h.svc.TrackUser(ctx, "u2"))
	_, err := h.svc.ScheduleForUser(ctx, "u1", domain.PriorityNormal)
	require.NoError(t, err)

	stats := h.svc.Stats(ctx)
	assert.Equal(t, "memory", stats.Backend.Active)
	assert.Equal(t, 1, stats.Queue.Waiting)
	assert.Equal(t, 100, stats.RateLimiter.Capacity)
	assert.Equal(t, 2, stats.TrackedUsers)
}

func TestService_DrainQueue(t *testing.T) {
	h := newHarness(t, nil, domain.QueueConfig{}, 0)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := h.svc.ScheduleForUser(ctx, user, domain.PriorityNormal)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, h.svc.DrainQueue(ctx))
	assert.Zero(t, h.queue.Stats().Waiting)
}
