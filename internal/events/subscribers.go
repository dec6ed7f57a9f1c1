// Package events centralizes bus subscriptions so every noteworthy
// transition shows up in the log stream no matter which module produced
// it.
package events

import (
	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
)

type Subscriber struct {
	log zerolog.Logger
	bus EventBus.Bus
}

func NewSubscribers(log logger.Logger, bus EventBus.Bus) *Subscriber {
	s := &Subscriber{
		log: log.With().Str("module", "events").Logger(),
		bus: bus,
	}

	s.Register()
	return s
}

func (s *Subscriber) Register() {
	if err := s.bus.Subscribe(domain.EventStoreBackendSwitched, s.backendSwitched); err != nil {
		s.log.Error().Err(err).Str("topic", domain.EventStoreBackendSwitched).Msg("could not subscribe")
	}
	if err := s.bus.Subscribe(domain.EventJobFailed, s.jobFailed); err != nil {
		s.log.Error().Err(err).Str("topic", domain.EventJobFailed).Msg("could not subscribe")
	}
	if err := s.bus.Subscribe(domain.EventUpdateAvailable, s.updateAvailable); err != nil {
		s.log.Error().Err(err).Str("topic", domain.EventUpdateAvailable).Msg("could not subscribe")
	}
}

func (s *Subscriber) backendSwitched(payload domain.BackendSwitched) {
	s.log.Warn().
		Str("from", payload.From).
		Str("to", payload.To).
		Str("reason", payload.Reason).
		Msg("storage backend switched")
}

func (s *Subscriber) jobFailed(payload domain.JobFailedPermanently) {
	s.log.Error().
		Str("user", payload.UserID).
		Str("job", payload.JobID).
		Int("attempts", payload.Attempts).
		Str("last_error", payload.LastErr).
		Msg("watchlist refresh failed permanently")
}

func (s *Subscriber) updateAvailable(payload domain.UpdateAvailable) {
	s.log.Info().
		Str("current", payload.CurrentVersion).
		Str("latest", payload.LatestVersion).
		Str("url", payload.URL).
		Msg("a newer release is available")
}
