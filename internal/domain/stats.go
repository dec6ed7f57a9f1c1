package domain

import "time"

// RateLimiterState is a snapshot of the token bucket.
type RateLimiterState struct {
	Tokens       int       `json:"tokens"`
	Capacity     int       `json:"capacity"`
	InFlight     int       `json:"in_flight"`
	LastRefillAt time.Time `json:"last_refill_at"`
	Distributed  bool      `json:"distributed"`
}

// WorkerStats reports the pool's lifetime counters. Idle flips to true when
// no job has completed within the last 30 seconds.
type WorkerStats struct {
	Concurrency     int       `json:"concurrency"`
	Processed       int64     `json:"processed"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	StartedAt       time.Time `json:"started_at"`
	Uptime          string    `json:"uptime"`
	LastCompletedAt time.Time `json:"last_completed_at,omitempty"`
	Idle            bool      `json:"idle"`
}

// StoreStatus describes which backend currently serves reads and writes.
type StoreStatus struct {
	Active      string    `json:"active"`
	Durable     bool      `json:"durable"`
	Healthy     bool      `json:"healthy"`
	Failovers   int64     `json:"failovers"`
	LastProbeAt time.Time `json:"last_probe_at,omitempty"`
}

// SyncStats aggregates the observability surface of the whole subsystem.
type SyncStats struct {
	Backend      StoreStatus      `json:"backend"`
	Queue        QueueStats       `json:"queue"`
	Worker       WorkerStats      `json:"worker"`
	RateLimiter  RateLimiterState `json:"rate_limiter"`
	TrackedUsers int              `json:"tracked_users"`
}

// BulkResult summarizes one bulk scheduling pass.
type BulkResult struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}
