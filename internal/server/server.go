package server

import (
	"context"
	"time"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/scheduler"
	syncsvc "github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/internal/update"
	"github.com/rs/zerolog"
)

type Server struct {
	log    zerolog.Logger
	config *domain.Config

	scheduler     scheduler.Service
	syncService   syncsvc.Service
	updateService *update.Service
}

func NewServer(log logger.Logger, config *domain.Config, scheduler scheduler.Service, syncSvc syncsvc.Service, updateSvc *update.Service) *Server {
	return &Server{
		log:           log.With().Str("module", "server").Logger(),
		config:        config,
		scheduler:     scheduler,
		syncService:   syncSvc,
		updateService: updateSvc,
	}
}

func (s *Server) Start() error {
	// restore persisted jobs and start the workers before the first cycle fires
	if err := s.syncService.Start(context.Background()); err != nil {
		return err
	}

	go s.checkUpdates()

	// start cron scheduler
	s.scheduler.Start()

	return nil
}

func (s *Server) Shutdown() {
	s.log.Info().Msg("Shutting down server")

	// stop cron scheduler
	s.scheduler.Stop()

	// stop workers, queue and stores
	s.syncService.Shutdown()
}

func (s *Server) checkUpdates() {
	if s.config.CheckForUpdates {
		time.Sleep(1 * time.Second)

		s.updateService.CheckUpdates(context.Background())
	}
}
