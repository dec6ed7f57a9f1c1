package domain

import (
	"strings"
	"time"

	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// Priority orders sync jobs. Lower values are dequeued first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority maps a case-insensitive priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityLow, errors.New("unknown priority %q", s)
}

// JobStatus tracks where a job sits in its lifecycle.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SyncJob is one "refresh this user's watchlist" unit of work. At most one
// non-terminal job exists per user at any time.
type SyncJob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Priority    Priority  `json:"priority"`
	Status      JobStatus `json:"status"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ReadyAt     time.Time `json:"ready_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// JobOptions tweak a single enqueue.
type JobOptions struct {
	// Delay postpones the first execution.
	Delay time.Duration
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
}

// QueueStats is a point-in-time census of the queue.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
