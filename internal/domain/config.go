package domain

import "time"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Path           string `mapstructure:"path"`
	Level          string `mapstructure:"level"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	MaxBackupCount int    `mapstructure:"max_backup_count"`
}

// ValkeyConfig holds connection settings for the durable store.
type ValkeyConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects which storage backends are available and how often the
// failover selector re-probes the durable one.
type StoreConfig struct {
	DurableEnabled     bool `mapstructure:"durable_enabled"`
	FallbackEnabled    bool `mapstructure:"fallback_enabled"`
	HealthCheckSeconds int  `mapstructure:"health_check_seconds"`
}

// HealthCheckInterval returns the probe cadence, defaulting to 30 seconds.
func (c StoreConfig) HealthCheckInterval() time.Duration {
	if c.HealthCheckSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HealthCheckSeconds) * time.Second
}

// RateLimitConfig bounds outbound watchlist fetches. Distributed mode keeps
// the bucket in the durable store so multiple processes share one budget.
type RateLimitConfig struct {
	Tokens      int  `mapstructure:"tokens"`
	IntervalMs  int  `mapstructure:"interval_ms"`
	Distributed bool `mapstructure:"distributed"`
}

// Interval returns the token refill interval.
func (c RateLimitConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// WorkerConfig sizes the fetch worker pool.
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// QueueConfig tunes retry and history bookkeeping.
type QueueConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	HistoryLimit     int `mapstructure:"history_limit"`
	StalledSeconds   int `mapstructure:"stalled_seconds"`
}

// BaseDelay returns the first-retry backoff base.
func (c QueueConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// StalledAfter returns how long an active job may go silent before it is
// treated as stalled and requeued.
func (c QueueConfig) StalledAfter() time.Duration {
	return time.Duration(c.StalledSeconds) * time.Second
}

// ImdbConfig points the fetcher at IMDb's GraphQL API. The persisted-query
// hash rotates occasionally on IMDb's side; QueryHash overrides the built-in
// one when that happens.
type ImdbConfig struct {
	QueryHash string `mapstructure:"query_hash"`
	PageSize  int    `mapstructure:"page_size"`
}

// SyncConfig drives the periodic refresh cycle.
type SyncConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	BulkThreshold   int `mapstructure:"bulk_threshold"`
}

// Interval returns the sync cycle interval.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CacheTTL returns the logical freshness window of a cache entry.
func (c SyncConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Config holds the application's configuration, mapped from config.toml.
type Config struct {
	Version         string
	ConfigPath      string
	CheckForUpdates bool `mapstructure:"check_for_updates"`

	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Imdb      ImdbConfig      `mapstructure:"imdb"`
	Sync      SyncConfig      `mapstructure:"sync"`
}

// ConfigUpdate carries partial updates accepted over the API.
type ConfigUpdate struct {
	LogLevel        *string `json:"log_level,omitempty"`
	LogPath         *string `json:"log_path,omitempty"`
	CheckForUpdates *bool   `json:"check_for_updates,omitempty"`
}
