package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobDead       JobStatus = "dead"
)

// DetailQueueJob asks a detail-worker to enrich one listing.
type DetailQueueJob struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Source        string     `json:"source" db:"source"`
	SourceID      string     `json:"source_id" db:"source_id"`
	Listing       ListingRow `json:"listing_payload" db:"listing_payload"`
	Fingerprint   string     `json:"fingerprint" db:"fingerprint"`
	Status        JobStatus  `json:"status" db:"status"`
	AttemptCount  int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	LockedBy      string     `json:"locked_by,omitempty" db:"locked_by"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

type QueueStats struct {
	Source          string     `json:"source"`
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	Done            int        `json:"done"`
	Dead            int        `json:"dead"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

func (s QueueStats) OldestAge(now time.Time) time.Duration {
	if s.OldestPendingAt == nil {
		return 0
	}
	return now.Sub(*s.OldestPendingAt)
}
