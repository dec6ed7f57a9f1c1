package update

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/pkg/version"
)

// Service periodically compares the running build against the latest
// GitHub release and remembers what it found.
type Service struct {
	log     zerolog.Logger
	bus     EventBus.Bus
	config  *domain.Config
	checker *version.Checker

	m             sync.RWMutex
	latestRelease *version.Release
	announced     string
}

func NewUpdate(log logger.Logger, bus EventBus.Bus, config *domain.Config) *Service {
	return &Service{
		log:     log.With().Str("module", "update").Logger(),
		bus:     bus,
		config:  config,
		checker: &version.Checker{Owner: "flurbudurbur", Repo: "Eiga"},
	}
}

// GetLatestRelease returns the newest release seen so far, or nil when no
// check has found one.
func (s *Service) GetLatestRelease(ctx context.Context) *version.Release {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.latestRelease
}

// CheckUpdates runs one check and only logs failures. Suitable as a cron
// job body.
func (s *Service) CheckUpdates(ctx context.Context) {
	if _, err := s.CheckUpdateAvailable(ctx); err != nil {
		s.log.Error().Err(err).Msg("could not check for a new release")
	}
}

// CheckUpdateAvailable returns the newer release, or nil when the running
// build is current. The first sighting of a given version is announced on
// the event bus, repeat sightings are quiet.
func (s *Service) CheckUpdateAvailable(ctx context.Context) (*version.Release, error) {
	s.log.Trace().Msg("checking for updates")

	newAvailable, release, err := s.checker.CheckNewVersion(ctx, s.config.Version)
	if err != nil {
		return nil, err
	}
	if !newAvailable {
		return nil, nil
	}

	s.m.Lock()
	s.latestRelease = release
	first := s.announced != release.TagName
	if first {
		s.announced = release.TagName
	}
	s.m.Unlock()

	if first {
		s.log.Info().Msgf("a new release is available: %v, consider updating", release.TagName)
		if s.bus != nil {
			s.bus.Publish(domain.EventUpdateAvailable, domain.UpdateAvailable{
				CurrentVersion: s.config.Version,
				LatestVersion:  release.TagName,
				URL:            release.URL,
				FoundAt:        time.Now(),
			})
		}
	}

	return release, nil
}
