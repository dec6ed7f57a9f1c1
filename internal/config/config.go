package config

import (
	"bytes"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/pkg/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var configTemplate = `# config.toml

# Check for updates
# Default is: true
check_for_updates = true

[server]
  # Hostname or IP address for the server to listen on.
  # Default: "{{ .host }}" ("0.0.0.0" binds all interfaces, used in Docker)
  host = "{{ .host }}"

  # Port for the server to listen on.
  # Default: 7575
  port = 7575

  # Base URL for serving the API under a subdirectory (e.g. /eiga/).
  # Leave empty if serving from the root or using a subdomain.
  # Optional.
  # Default: ""
  #base_url = ""

[logging]
  # Log file path.
  # If empty or not set, logs only go to standard error.
  # Use forward slashes for paths (e.g. "log/").
  # Optional.
  # Default: ""
  path = "log/"

  # Log level.
  # Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
  # Default: "DEBUG"
  level = "DEBUG"

  # Maximum size of a log file in megabytes (MB) before it is rotated.
  # Default: 50
  max_file_size = 50

  # Maximum number of old log files to keep.
  # Default: 3
  max_backup_count = 3

[valkey]
  # Valkey server address (e.g. "localhost:6379").
  # Optional.
  # Default: "localhost:6379"
  address = "localhost:6379"

  # Password for the Valkey server.
  # Optional.
  # Default: ""
  password = ""

  # Valkey database number.
  # Optional.
  # Default: 0
  db = 0

[store]
  # Use the Valkey backend for cache entries, user tracking and queue state.
  # When disabled everything lives in process memory and is lost on restart.
  # Default: true
  durable_enabled = true

  # Fall back to an in-memory store while Valkey is unreachable.
  # Default: true
  fallback_enabled = true

  # Seconds between health probes of the durable backend.
  # Default: 30
  health_check_seconds = 30

[rate_limit]
  # Token bucket capacity for outbound watchlist fetches.
  # Default: 5
  tokens = 5

  # Refill interval in milliseconds. The bucket refills to capacity once
  # per interval.
  # Default: 10000
  interval_ms = 10000

  # Share the bucket across processes through Valkey instead of keeping it
  # process-local. Requires the durable store.
  # Default: false
  distributed = false

[worker]
  # Run the fetch worker pool in this process.
  # Default: true
  enabled = true

  # Number of concurrent fetch workers.
  # Default: 3
  concurrency = 3

[queue]
  # Retry a failing job this many times before recording it as permanently
  # failed.
  # Default: 3
  max_attempts = 3

  # Base backoff delay in seconds; the delay doubles on every attempt.
  # Default: 60
  base_delay_seconds = 60

  # How many completed and failed job records to keep for observability.
  # Default: 100
  history_limit = 100

  # Seconds an active job may go silent before it is requeued as stalled.
  # Default: 300
  stalled_seconds = 300

[imdb]
  # IMDb rotates the persisted-query hash of its watchlist API now and then.
  # Set this to the current hash when fetches start failing with
  # "persisted query not found". Leave empty to use the built-in one.
  # Default: ""
  query_hash = ""

  # Watchlist items requested per fetch.
  # Default: 250
  page_size = 250

[sync]
  # Seconds between full refresh cycles over the active user population.
  # Default: 43200 (12 hours)
  interval_seconds = 43200

  # Seconds before a cache entry counts as stale. Stale entries are still
  # served while a refresh is pending.
  # Default: 900 (15 minutes)
  cache_ttl_seconds = 900

  # Populations up to this size are scheduled in one burst; larger ones are
  # staggered across the sync interval.
  # Default: 10
  bulk_threshold = 10
`

func writeConfig(configPath string, configFile string) error {
	cfgPath := filepath.Join(configPath, configFile)

	// check if configPath exists, if not create it
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		err := os.MkdirAll(configPath, os.ModePerm)
		if err != nil {
			log.Println(err)
			return err
		}
	}

	// check if config exists, if not create it
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		// set default host
		host := "127.0.0.1"

		if _, dockerErr := os.Stat("/.dockerenv"); dockerErr == nil {
			host = "0.0.0.0"
		} else if pd, cgroupErr := os.Open("/proc/1/cgroup"); cgroupErr == nil {
			defer func(pd *os.File) {
				if errClose := pd.Close(); errClose != nil {
					log.Printf("error closing proc/cgroup: %q", errClose)
				}
			}(pd)
			b := make([]byte, 4096)
			if _, readErr := pd.Read(b); readErr == nil {
				if strings.Contains(string(b), "/docker") || strings.Contains(string(b), "/lxc") {
					host = "0.0.0.0"
				}
			}
		}

		f, createErr := os.Create(cfgPath)
		if createErr != nil {
			log.Printf("error creating file: %q", createErr)
			return createErr
		}
		defer func(f *os.File) {
			if errClose := f.Close(); errClose != nil {
				log.Printf("error closing file: %q", errClose)
			}
		}(f)

		tmpl, tmplErr := template.New("config").Parse(configTemplate)
		if tmplErr != nil {
			return errors.Wrap(tmplErr, "could not create config template")
		}

		tmplVars := map[string]string{
			"host": host,
		}

		var buffer bytes.Buffer
		if execErr := tmpl.Execute(&buffer, &tmplVars); execErr != nil {
			return errors.Wrap(execErr, "could not write config template output")
		}

		if _, writeErr := f.WriteString(buffer.String()); writeErr != nil {
			log.Printf("error writing contents to file: %v %q", configPath, writeErr)
			return writeErr
		}

		return f.Sync()
	}

	return nil
}

type AppConfig struct {
	Config *domain.Config
	m      sync.Mutex
}

func New(configPath string, version string) *AppConfig {
	c := &AppConfig{}
	c.defaults()
	c.Config.Version = version
	c.Config.ConfigPath = configPath

	c.load(configPath)

	return c
}

func (c *AppConfig) defaults() {
	c.Config = &domain.Config{
		Version:         "dev",
		ConfigPath:      "",
		CheckForUpdates: true,
		Server: domain.ServerConfig{
			Host:    "127.0.0.1",
			Port:    7575,
			BaseURL: "",
		},
		Logging: domain.LoggingConfig{
			Path:           "",
			Level:          "DEBUG",
			MaxFileSize:    50,
			MaxBackupCount: 3,
		},
		Valkey: domain.ValkeyConfig{
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
		},
		Store: domain.StoreConfig{
			DurableEnabled:     true,
			FallbackEnabled:    true,
			HealthCheckSeconds: 30,
		},
		RateLimit: domain.RateLimitConfig{
			Tokens:      5,
			IntervalMs:  10000,
			Distributed: false,
		},
		Worker: domain.WorkerConfig{
			Enabled:     true,
			Concurrency: 3,
		},
		Queue: domain.QueueConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 60,
			HistoryLimit:     100,
			StalledSeconds:   300,
		},
		Imdb: domain.ImdbConfig{
			QueryHash: "",
			PageSize:  250,
		},
		Sync: domain.SyncConfig{
			IntervalSeconds: 43200,
			CacheTTLSeconds: 900,
			BulkThreshold:   10,
		},
	}
}

func (c *AppConfig) load(configPath string) {
	viper.SetConfigType("toml")
	configPath = path.Clean(configPath)

	if configPath != "" {
		if err := writeConfig(configPath, "config.toml"); err != nil {
			log.Printf("writeConfig error during load: %q", err)
		}
		viper.SetConfigFile(path.Join(configPath, "config.toml"))
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/eiga")
		viper.AddConfigPath("$HOME/.eiga")
	}

	// EIGA__SERVER__PORT=7575 style overrides
	viper.SetEnvPrefix("EIGA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults: %s", viper.ConfigFileUsed())
		} else {
			log.Printf("Config read error: %q. Using defaults.", err)
		}
	}

	if err := viper.Unmarshal(&c.Config); err != nil {
		log.Fatalf("Could not unmarshal config file into struct: %v. Config file used: %s", err, viper.ConfigFileUsed())
	}
}

// Validate rejects configurations the subsystem cannot run with. Called once
// at startup; a failure here is fatal by design.
func (c *AppConfig) Validate() error {
	cfg := c.Config

	if !cfg.Store.DurableEnabled && !cfg.Store.FallbackEnabled {
		return errors.New("store: at least one backend must be enabled")
	}
	if cfg.Store.DurableEnabled && cfg.Valkey.Address == "" {
		return errors.New("valkey: address is required when the durable store is enabled")
	}
	if cfg.RateLimit.Tokens <= 0 {
		return errors.New("rate_limit: tokens must be positive, got %d", cfg.RateLimit.Tokens)
	}
	if cfg.RateLimit.IntervalMs <= 0 {
		return errors.New("rate_limit: interval_ms must be positive, got %d", cfg.RateLimit.IntervalMs)
	}
	if cfg.RateLimit.Distributed && !cfg.Store.DurableEnabled {
		return errors.New("rate_limit: distributed mode requires the durable store")
	}
	if cfg.Worker.Enabled && cfg.Worker.Concurrency <= 0 {
		return errors.New("worker: concurrency must be positive, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return errors.New("queue: max_attempts must be positive, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		return errors.New("sync: interval_seconds must be positive, got %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Sync.CacheTTLSeconds <= 0 {
		return errors.New("sync: cache_ttl_seconds must be positive, got %d", cfg.Sync.CacheTTLSeconds)
	}

	return nil
}

func (c *AppConfig) DynamicReload(log logger.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		c.m.Lock()
		defer c.m.Unlock()

		log.Info().Msgf("Config file changed: %s. Reloading configuration.", e.Name)

		if err := viper.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("Error reading config file during dynamic reload")
			return
		}

		var newConfig domain.Config
		// version and config path are process facts, not file contents
		newConfig.Version = c.Config.Version
		newConfig.ConfigPath = c.Config.ConfigPath

		if err := viper.Unmarshal(&newConfig); err != nil {
			log.Error().Err(err).Msg("Error unmarshalling config during dynamic reload")
			return
		}

		c.Config = &newConfig

		log.SetLogLevel(c.Config.Logging.Level)

		log.Debug().Msg("Configuration reloaded successfully!")
	})
	viper.WatchConfig()
}
