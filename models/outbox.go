package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

// NotificationOutboxEntry is written in the same transaction as the
// state transition it announces.
type NotificationOutboxEntry struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	RunID        uuid.UUID       `json:"run_id" db:"run_id"`
	Source       string          `json:"source" db:"source"`
	SourceID     string          `json:"source_id" db:"source_id"`
	EventID      uuid.UUID       `json:"event_id" db:"event_id"`
	EventType    EventType       `json:"event_type" db:"event_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       OutboxStatus    `json:"status" db:"status"`
	AttemptCount int             `json:"attempt_count" db:"attempt_count"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
}

type OutboxStats struct {
	Pending         int        `json:"pending"`
	Sent            int        `json:"sent"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}
