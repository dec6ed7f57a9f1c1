package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flurbudurbur/Eiga/internal/config"
	"github.com/flurbudurbur/Eiga/internal/domain"
)

func newSyncRouter(svc syncService) chi.Router {
	cfg := &config.AppConfig{
		Config: &domain.Config{
			Sync: domain.SyncConfig{IntervalSeconds: 43200, CacheTTLSeconds: 900, BulkThreshold: 10},
		},
	}

	handler := newSyncHandler(encoder{}, svc, cfg)
	router := chi.NewRouter()
	router.Route("/sync", handler.Routes)
	return router
}

func trackUsers(t *testing.T, svc syncService, n int) []string {
	t.Helper()

	users := make([]string, 0, n)
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("ur%07d", i)
		require.NoError(t, svc.TrackUser(context.Background(), userID))
		users = append(users, userID)
	}
	return users
}

func TestSyncHandler_Stats(t *testing.T) {
	svc, _, _ := newSyncService(t)
	router := newSyncRouter(svc)

	trackUsers(t, svc, 2)

	req := httptest.NewRequest("GET", "/sync/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var stats domain.SyncStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, "memory", stats.Backend.Active)
	assert.True(t, stats.Backend.Healthy)
	assert.Equal(t, 2, stats.TrackedUsers)
	assert.Equal(t, 10, stats.RateLimiter.Capacity)
}

func TestSyncHandler_BulkDefaultsToTrackedUsers(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newSyncRouter(svc)

	trackUsers(t, svc, 3)

	req := httptest.NewRequest("POST", "/sync/bulk", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var result domain.BulkResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Scheduled)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)

	assert.Equal(t, 3, q.Stats().Waiting)
}

func TestSyncHandler_BulkFixedPriority(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newSyncRouter(svc)

	body, _ := json.Marshal(bulkRequest{
		UserIDs:  []string{"ur0000001", "ur0000002"},
		Priority: "high",
	})
	req := httptest.NewRequest("POST", "/sync/bulk", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var result domain.BulkResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Scheduled)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
}

func TestSyncHandler_BulkRejectsUnknownPriority(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newSyncRouter(svc)

	body, _ := json.Marshal(bulkRequest{
		UserIDs:  []string{"ur0000001"},
		Priority: "urgent",
	})
	req := httptest.NewRequest("POST", "/sync/bulk", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown priority")
	assert.Zero(t, q.Stats().Waiting)
}

func TestSyncHandler_StaggeredUsesConfiguredWindow(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newSyncRouter(svc)

	users := trackUsers(t, svc, 4)

	body, _ := json.Marshal(staggeredRequest{UserIDs: users})
	req := httptest.NewRequest("POST", "/sync/staggered", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res staggeredResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 4, res.Scheduled)
	assert.Equal(t, 43200, res.WindowSeconds, "window defaults to the sync interval")

	stats := q.Stats()
	assert.Equal(t, 1, stats.Waiting, "only the first user runs right away")
	assert.Equal(t, 3, stats.Delayed)
}

func TestSyncHandler_DrainQueue(t *testing.T) {
	svc, _, q := newSyncService(t)
	router := newSyncRouter(svc)

	for _, userID := range trackUsers(t, svc, 3) {
		_, err := svc.ScheduleForUser(context.Background(), userID, domain.PriorityNormal)
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Stats().Waiting)

	req := httptest.NewRequest("DELETE", "/sync/queue", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res drainResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Purged)
	assert.Zero(t, q.Stats().Waiting)
}

func TestSyncHandler_History(t *testing.T) {
	svc, _, _ := newSyncService(t)
	router := newSyncRouter(svc)

	req := httptest.NewRequest("GET", "/sync/history", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res historyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Empty(t, res.Completed)
	assert.Empty(t, res.Failed)
}
