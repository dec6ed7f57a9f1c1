package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/internal/update"
)

// WatchlistSyncJob runs one full sync cycle. It probes the storage
// backend, loads the tracked users and schedules a refresh for each of
// them. Small populations go through one bulk pass with activity-based
// priorities, large ones are staggered across the whole window so the
// upstream budget is never spent in a burst.
type WatchlistSyncJob struct {
	Name string
	Log  zerolog.Logger
	Sync sync.Service

	BulkThreshold int
	Window        time.Duration
}

func (j *WatchlistSyncJob) Run() {
	ctx := context.Background()
	started := time.Now()

	j.Sync.ProbeBackend(ctx)

	users, err := j.Sync.ActiveUsers(ctx)
	if err != nil {
		j.Log.Error().Err(err).Msg("could not load tracked users, skipping cycle")
		return
	}
	if len(users) == 0 {
		j.Log.Debug().Msg("no tracked users, nothing to schedule")
		return
	}

	if len(users) <= j.BulkThreshold {
		result := j.Sync.ScheduleBulk(ctx, users, j.Sync.PriorityResolver(ctx))
		j.Log.Info().
			Int("users", len(users)).
			Int("scheduled", result.Scheduled).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Dur("elapsed", time.Since(started)).
			Msg("sync cycle scheduled in bulk")
		return
	}

	scheduled := j.Sync.ScheduleStaggered(ctx, users, j.Window)
	j.Log.Info().
		Int("users", len(users)).
		Int("scheduled", scheduled).
		Dur("window", j.Window).
		Dur("elapsed", time.Since(started)).
		Msg("sync cycle staggered across the interval")
}

// CheckUpdatesJob polls GitHub for a newer release. Version bookkeeping
// and announcements live in the update service.
type CheckUpdatesJob struct {
	Name      string
	Log       zerolog.Logger
	UpdateSvc *update.Service
}

func (j *CheckUpdatesJob) Run() {
	j.UpdateSvc.CheckUpdates(context.Background())
}
