package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	syncsvc "github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/internal/update"
)

type Service interface {
	Start()
	Stop()
	// AddJob adds a job that runs periodically at the given interval.
	AddJob(job cron.Job, interval time.Duration, identifier string) (int, error)
	// AddJobWithSpec adds a job using a cron spec string (e.g., "0 3 * * *").
	AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error)
	RemoveJobByIdentifier(id string) error
	GetNextRun(id string) (time.Time, error)
}

type service struct {
	log       zerolog.Logger
	config    *domain.Config
	syncSvc   syncsvc.Service
	updateSvc *update.Service

	cron *cron.Cron
	jobs map[string]cron.EntryID
	m    sync.RWMutex
}

func NewService(log logger.Logger, config *domain.Config, syncSvc syncsvc.Service, updateSvc *update.Service) Service {
	return &service{
		log:       log.With().Str("module", "scheduler").Logger(),
		config:    config,
		syncSvc:   syncSvc,
		updateSvc: updateSvc,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		jobs: map[string]cron.EntryID{},
	}
}

func (s *service) Start() {
	s.log.Info().Msg("Starting scheduler service")

	s.cron.Start()

	// init jobs off the startup path
	go s.addAppJobs()
}

func (s *service) addAppJobs() {
	// let the store monitor and http server settle first
	time.Sleep(5 * time.Second)

	syncJob := &WatchlistSyncJob{
		Name:          "watchlist-sync",
		Log:           s.log.With().Str("job", "watchlist-sync").Logger(),
		Sync:          s.syncSvc,
		BulkThreshold: s.config.Sync.BulkThreshold,
		Window:        s.config.Sync.Interval(),
	}
	if _, err := s.AddJob(syncJob, s.config.Sync.Interval(), "watchlist-sync"); err != nil {
		s.log.Error().Err(err).Msg("Failed to add 'watchlist-sync' job")
	}

	// cron waits one full interval before the first tick, the first
	// cycle should not
	syncJob.Run()

	if s.config.CheckForUpdates {
		checkUpdates := &CheckUpdatesJob{
			Name:      "app-check-updates",
			Log:       s.log.With().Str("job", "app-check-updates").Logger(),
			UpdateSvc: s.updateSvc,
		}

		if _, err := s.AddJob(checkUpdates, 2*time.Hour, "app-check-updates"); err != nil {
			s.log.Error().Err(err).Msg("Failed to add 'app-check-updates' job")
		}
	} else {
		s.log.Info().Msg("Update checking is disabled, skipping 'app-check-updates' job")
	}
}

func (s *service) Stop() {
	s.log.Info().Msg("Stopping scheduler service")
	s.cron.Stop()
}

func (s *service) AddJob(job cron.Job, interval time.Duration, identifier string) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		s.log.Warn().Str("identifier", identifier).Msg("Job with this identifier already exists, skipping add.")
		return 0, fmt.Errorf("job with identifier '%s' already exists", identifier)
	}

	entryID, err := s.cron.AddJob(fmt.Sprintf("@every %s", interval.String()), cron.NewChain(
		cron.SkipIfStillRunning(cron.DefaultLogger)).Then(job))

	if err != nil {
		s.log.Error().Err(err).Str("identifier", identifier).Msg("Failed to add job with interval")
		return 0, fmt.Errorf("failed to add job '%s': %w", identifier, err)
	}

	s.log.Info().Str("identifier", identifier).Dur("interval", interval).Int("entryID", int(entryID)).Msg("Scheduled job added")
	s.jobs[identifier] = entryID
	return int(entryID), nil
}

// AddJobWithSpec adds a job using a cron specification string.
func (s *service) AddJobWithSpec(job cron.Job, spec string, identifier string) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		s.log.Warn().Str("identifier", identifier).Msg("Job with this identifier already exists, skipping add.")
		return 0, fmt.Errorf("job with identifier '%s' already exists", identifier)
	}

	entryID, err := s.cron.AddJob(spec, cron.NewChain(
		cron.SkipIfStillRunning(cron.DefaultLogger)).Then(job))

	if err != nil {
		s.log.Error().Err(err).Str("identifier", identifier).Str("spec", spec).Msg("Failed to add job with spec")
		return 0, fmt.Errorf("failed to add job '%s' with spec '%s': %w", identifier, spec, err)
	}

	s.log.Info().Str("identifier", identifier).Str("spec", spec).Int("entryID", int(entryID)).Msg("Scheduled job added")
	s.jobs[identifier] = entryID
	return int(entryID), nil
}

func (s *service) RemoveJobByIdentifier(id string) error {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return nil
	}

	s.log.Debug().Msgf("scheduler.Remove: removing job: %v", id)

	s.cron.Remove(v)
	delete(s.jobs, id)

	return nil
}

func (s *service) GetNextRun(id string) (time.Time, error) {
	entry := s.getEntryById(id)

	if !entry.Valid() {
		return time.Time{}, nil
	}

	s.log.Debug().Msgf("scheduler.GetNextRun: %s next run: %s", id, entry.Next)

	return entry.Next, nil
}

func (s *service) getEntryById(id string) cron.Entry {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return cron.Entry{}
	}

	return s.cron.Entry(v)
}
