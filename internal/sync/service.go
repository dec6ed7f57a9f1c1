// Package sync is the orchestrator: it tracks the active user population,
// computes per-user refresh priority from recorded activity and feeds the
// job queue that the worker pool drains.
package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/queue"
	"github.com/flurbudurbur/Eiga/internal/ratelimit"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/internal/worker"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

type Service interface {
	// Start restores persisted jobs, begins backend health monitoring and
	// launches the worker pool.
	Start(ctx context.Context) error
	// Shutdown stops the workers, the queue and the storage backends, in
	// that order, so in-flight jobs report their outcome first.
	Shutdown()

	GetCached(ctx context.Context, userID string) (*domain.CacheEntry, bool, error)
	CacheWatchlist(ctx context.Context, userID string, payload []byte) error
	TrackUser(ctx context.Context, userID string) error
	RecordActivity(ctx context.Context, userID string) error
	ActiveUsers(ctx context.Context) ([]string, error)

	ScheduleForUser(ctx context.Context, userID string, priority domain.Priority) (bool, error)
	ScheduleBulk(ctx context.Context, userIDs []string, priorityFn func(string) domain.Priority) domain.BulkResult
	ScheduleStaggered(ctx context.Context, userIDs []string, window time.Duration) int
	PriorityResolver(ctx context.Context) func(string) domain.Priority
	PriorityForUser(ctx context.Context, userID string) domain.Priority

	ProbeBackend(ctx context.Context)
	Stats(ctx context.Context) domain.SyncStats
	History() (completed []domain.SyncJob, failed []domain.SyncJob)
	DrainQueue(ctx context.Context) int
}

func NewService(log logger.Logger, cfg domain.SyncConfig, failover *store.Failover, cache *Cache, q *queue.Queue, pool *worker.Pool, limiter ratelimit.Limiter) Service {
	return &service{
		log:     log.With().Str("module", "sync").Logger(),
		cfg:     cfg,
		store:   failover,
		cache:   cache,
		queue:   q,
		pool:    pool,
		limiter: limiter,
		now:     time.Now,
	}
}

type service struct {
	log     zerolog.Logger
	cfg     domain.SyncConfig
	store   *store.Failover
	cache   *Cache
	queue   *queue.Queue
	// pool is nil when this process runs without workers
	pool    *worker.Pool
	limiter ratelimit.Limiter

	// now is swapped out by tests
	now func() time.Time
}

func (s *service) Start(ctx context.Context) error {
	if err := s.queue.Restore(ctx); err != nil {
		return errors.Wrap(err, "restoring job queue")
	}

	s.store.StartMonitor(ctx)
	if s.pool != nil {
		s.pool.Start(ctx)
	}

	s.log.Info().Bool("workers", s.pool != nil).Msg("sync subsystem started")
	return nil
}

func (s *service) Shutdown() {
	if s.pool != nil {
		s.pool.Stop()
	}
	if err := s.queue.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing queue")
	}
	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing storage backends")
	}
	s.log.Info().Msg("sync subsystem stopped")
}

// GetCached returns the user's watchlist entry. A stale entry is served
// with its original timestamp and logged as such; only a user with no
// entry at all gets ErrNoCacheEntry.
func (s *service) GetCached(ctx context.Context, userID string) (*domain.CacheEntry, bool, error) {
	entry, stale, err := s.cache.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if stale {
		s.log.Info().Str("user", userID).Dur("age", entry.Age()).Msg("serving stale watchlist entry")
	}
	return entry, stale, nil
}

func (s *service) CacheWatchlist(ctx context.Context, userID string, payload []byte) error {
	return s.cache.Put(ctx, userID, payload)
}

// TrackUser adds the user to the population refreshed by the periodic
// cycle.
func (s *service) TrackUser(ctx context.Context, userID string) error {
	if err := s.store.AddToSet(ctx, store.KeyActiveUsers, userID); err != nil {
		return errors.Wrap(err, "tracking user %s", userID)
	}
	return nil
}

// RecordActivity stamps the user's last-seen time, which drives the
// priority rule.
func (s *service) RecordActivity(ctx context.Context, userID string) error {
	if err := s.store.MapSet(ctx, store.KeyUserActivity, userID, s.now().UTC().Format(time.RFC3339)); err != nil {
		return errors.Wrap(err, "recording activity for %s", userID)
	}
	return nil
}

func (s *service) ActiveUsers(ctx context.Context) ([]string, error) {
	users, err := s.store.SetMembers(ctx, store.KeyActiveUsers)
	if err != nil {
		return nil, errors.Wrap(err, "reading active users")
	}
	return users, nil
}

// ScheduleForUser is idempotent: a user who already has a live job counts
// as scheduled.
func (s *service) ScheduleForUser(ctx context.Context, userID string, priority domain.Priority) (bool, error) {
	job, err := s.queue.Enqueue(ctx, userID, priority, domain.JobOptions{})
	if err != nil {
		return false, errors.Wrap(err, "scheduling %s", userID)
	}
	if job == nil {
		s.log.Trace().Str("user", userID).Msg("user already has a live job")
	}
	return true, nil
}

// ScheduleBulk runs one scheduling pass over the given users, skipping
// anyone with a live job. Meant for small populations and manual triggers;
// the periodic cycle staggers instead.
func (s *service) ScheduleBulk(ctx context.Context, userIDs []string, priorityFn func(string) domain.Priority) domain.BulkResult {
	var result domain.BulkResult
	for _, userID := range userIDs {
		job, err := s.queue.Enqueue(ctx, userID, priorityFn(userID), domain.JobOptions{})
		switch {
		case err != nil:
			result.Failed++
			s.log.Error().Err(err).Str("user", userID).Msg("could not schedule user")
		case job == nil:
			result.Skipped++
		default:
			result.Scheduled++
		}
	}

	s.log.Info().Int("scheduled", result.Scheduled).Int("skipped", result.Skipped).Int("failed", result.Failed).Msg("bulk scheduling pass done")
	return result
}

// ScheduleStaggered spreads users evenly across the window as delayed jobs,
// window/N apart, so the top of a sync cycle does not hammer the upstream
// all at once. Offsets are not persisted: a restart starts a fresh window.
func (s *service) ScheduleStaggered(ctx context.Context, userIDs []string, window time.Duration) int {
	if len(userIDs) == 0 {
		return 0
	}

	priorityFn := s.PriorityResolver(ctx)
	step := window / time.Duration(len(userIDs))
	scheduled := 0
	for i, userID := range userIDs {
		job, err := s.queue.Enqueue(ctx, userID, priorityFn(userID), domain.JobOptions{
			Delay: time.Duration(i) * step,
		})
		if err != nil {
			s.log.Error().Err(err).Str("user", userID).Msg("could not schedule user")
			continue
		}
		if job != nil {
			scheduled++
		}
	}

	s.log.Info().Int("users", len(userIDs)).Int("scheduled", scheduled).Dur("step", step).Msg("staggered scheduling pass done")
	return scheduled
}

// PriorityResolver snapshots the activity map once and returns a function
// applying the activity rule to any user: seen within the last 2 hours runs
// HIGH, within 24 hours NORMAL, otherwise LOW.
func (s *service) PriorityResolver(ctx context.Context) func(string) domain.Priority {
	activity, err := s.store.MapGetAll(ctx, store.KeyUserActivity)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not read user activity, defaulting everyone to low priority")
		activity = map[string]string{}
	}

	now := s.now()
	return func(userID string) domain.Priority {
		return priorityFromActivity(activity[userID], now)
	}
}

func (s *service) PriorityForUser(ctx context.Context, userID string) domain.Priority {
	return s.PriorityResolver(ctx)(userID)
}

func priorityFromActivity(lastSeen string, now time.Time) domain.Priority {
	if lastSeen == "" {
		return domain.PriorityLow
	}
	seen, err := time.Parse(time.RFC3339, lastSeen)
	if err != nil {
		return domain.PriorityLow
	}

	switch age := now.Sub(seen); {
	case age <= 2*time.Hour:
		return domain.PriorityHigh
	case age <= 24*time.Hour:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}

// ProbeBackend forces a health check of the durable store. The periodic
// cycle calls it before scheduling so the cycle runs against the right
// backend.
func (s *service) ProbeBackend(ctx context.Context) {
	s.store.CheckHealth(ctx)
}

func (s *service) Stats(ctx context.Context) domain.SyncStats {
	stats := domain.SyncStats{
		Backend:     s.store.Status(),
		Queue:       s.queue.Stats(),
		RateLimiter: s.limiter.State(ctx),
	}
	if s.pool != nil {
		stats.Worker = s.pool.Stats()
	}
	if users, err := s.store.SetMembers(ctx, store.KeyActiveUsers); err == nil {
		stats.TrackedUsers = len(users)
	}
	return stats
}

func (s *service) History() ([]domain.SyncJob, []domain.SyncJob) {
	return s.queue.History()
}

func (s *service) DrainQueue(ctx context.Context) int {
	return s.queue.DrainAll(ctx)
}
