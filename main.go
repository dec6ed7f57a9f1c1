package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/asaskevich/EventBus"
	"github.com/flurbudurbur/Eiga/internal/config"
	"github.com/flurbudurbur/Eiga/internal/events"
	"github.com/flurbudurbur/Eiga/internal/http"
	"github.com/flurbudurbur/Eiga/internal/imdb"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/internal/queue"
	"github.com/flurbudurbur/Eiga/internal/ratelimit"
	"github.com/flurbudurbur/Eiga/internal/scheduler"
	"github.com/flurbudurbur/Eiga/internal/server"
	"github.com/flurbudurbur/Eiga/internal/store"
	"github.com/flurbudurbur/Eiga/internal/sync"
	"github.com/flurbudurbur/Eiga/internal/update"
	"github.com/flurbudurbur/Eiga/internal/worker"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to configuration file")
	pflag.Parse()

	// read config
	cfg := config.New(configPath, version)

	// init new logger
	log := logger.New(cfg.Config)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// init dynamic config
	cfg.DynamicReload(log)

	// setup server-sent-events
	serverEvents := sse.New()
	serverEvents.CreateStreamWithOpts("logs", sse.StreamOpts{MaxEntries: 1000, AutoReplay: true})

	// register SSE writer
	log.RegisterSSEWriter(serverEvents)

	// setup internal eventbus
	bus := EventBus.New()

	log.Info().Msgf("Starting Eiga")
	log.Info().Msgf("Version: %s", version)
	log.Info().Msgf("Commit: %s", commit)
	log.Info().Msgf("Build date: %s", date)
	log.Info().Msgf("Log-level: %s", cfg.Config.Logging.Level)

	// storage backends: durable valkey fronted by an in-memory fallback
	var (
		durable     store.Store
		valkeyStore *store.ValkeyStore
	)
	if cfg.Config.Store.DurableEnabled {
		vs, err := store.NewValkeyStore(log, cfg.Config.Valkey)
		if err != nil {
			if !cfg.Config.Store.FallbackEnabled {
				log.Fatal().Err(err).Msg("could not connect to valkey and no fallback store is enabled")
			}
			log.Error().Err(err).Msg("could not connect to valkey, starting on the in-memory fallback")
		} else {
			valkeyStore = vs
			durable = vs
		}
	}

	var fallback store.Store
	if cfg.Config.Store.FallbackEnabled {
		fallback = store.NewMemoryStore()
	}

	failover := store.NewFailover(log, bus, durable, fallback, cfg.Config.Store.HealthCheckInterval())
	log.Info().Msgf("Using storage backend: %s", failover.Status().Active)

	// token bucket for outbound watchlist fetches
	var limiter ratelimit.Limiter
	if cfg.Config.RateLimit.Distributed && valkeyStore != nil {
		limiter = ratelimit.NewSharedLimiter(log, valkeyStore.Client(), cfg.Config.RateLimit.Tokens, cfg.Config.RateLimit.Tokens, cfg.Config.RateLimit.Interval())
	} else {
		if cfg.Config.RateLimit.Distributed {
			log.Warn().Msg("distributed rate limiting requires a valkey connection, falling back to the local bucket")
		}
		limiter = ratelimit.NewLocalLimiter(log, cfg.Config.RateLimit.Tokens, cfg.Config.RateLimit.Tokens, cfg.Config.RateLimit.Interval())
	}

	// setup services
	var (
		jobQueue = queue.New(log, bus, failover, cfg.Config.Queue)
		fetcher  = imdb.NewClient(log, cfg.Config.Imdb)
		cache    = sync.NewCache(log, failover, cfg.Config.Sync.CacheTTL())
	)

	var pool *worker.Pool
	if cfg.Config.Worker.Enabled {
		pool = worker.NewPool(log, jobQueue, limiter, fetcher, cache, cfg.Config.Worker)
	} else {
		log.Warn().Msg("worker pool disabled, jobs will queue without being processed")
	}

	var (
		syncService       = sync.NewService(log, cfg.Config.Sync, failover, cache, jobQueue, pool, limiter)
		updateService     = update.NewUpdate(log, bus, cfg.Config)
		schedulingService = scheduler.NewService(log, cfg.Config, syncService, updateService)
	)

	// register event subscribers
	events.NewSubscribers(log, bus)

	errorChannel := make(chan error)

	go func() {
		httpServer := http.NewServer(
			log,
			cfg,
			serverEvents,
			failover,
			version,
			commit,
			date,
			syncService,
			updateService,
		)
		errorChannel <- httpServer.Open()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	srv := server.NewServer(log, cfg.Config, schedulingService, syncService, updateService)
	if err := srv.Start(); err != nil {
		log.Fatal().Stack().Err(err).Msg("could not start server")
		return
	}

	for {
		select {
		case err := <-errorChannel:
			log.Error().Stack().Err(err).Msg("http server exited")
			srv.Shutdown()
			os.Exit(1)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info().Msg("Caught SIGHUP, config changes reload automatically")
			case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				log.Info().Msgf("Shutting down server due to %s...", sig)
				srv.Shutdown()
				os.Exit(0)
			}
		}
	}
}
