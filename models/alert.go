package models

import (
	"time"

	"github.com/google/uuid"
)

type AlertKind string

const (
	AlertCountDrop           AlertKind = "count_drop"
	AlertParseFailRatio      AlertKind = "parse_fail_ratio"
	AlertRemovalBurst        AlertKind = "removal_burst"
	AlertQueueBacklogAge     AlertKind = "queue_backlog_age"
	AlertNotificationLatency AlertKind = "notification_latency"
)

type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// Alert stays open per (source, kind) until its condition clears.
type Alert struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Source      string      `json:"source" db:"source"`
	Kind        AlertKind   `json:"kind" db:"kind"`
	Status      AlertStatus `json:"status" db:"status"`
	Message     string      `json:"message" db:"message"`
	Value       float64     `json:"value" db:"value"`
	Threshold   float64     `json:"threshold" db:"threshold"`
	Occurrences int         `json:"occurrences" db:"occurrences"`
	FirstSeenAt time.Time   `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at" db:"last_seen_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}
