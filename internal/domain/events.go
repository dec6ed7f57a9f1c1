package domain

import "time"

// Event bus topics.
const (
	EventStoreBackendSwitched = "store:backend:switched"
	EventJobFailed            = "sync:job:failed"
	EventUpdateAvailable      = "app:update:available"
)

// BackendSwitched is published when the failover selector changes the
// active storage backend.
type BackendSwitched struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	SwitchedAt time.Time `json:"switched_at"`
}

// JobFailedPermanently is published when a job exhausts its attempts.
type JobFailedPermanently struct {
	JobID    string    `json:"job_id"`
	UserID   string    `json:"user_id"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"last_error"`
	FailedAt time.Time `json:"failed_at"`
}

// UpdateAvailable is published the first time the checker sees a release
// newer than the running build.
type UpdateAvailable struct {
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	URL            string    `json:"url"`
	FoundAt        time.Time `json:"found_at"`
}
