package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

type RunType string

const (
	RunTypeDetect       RunType = "detect"
	RunTypeDetailWorker RunType = "detail-worker"
	RunTypeReconcile    RunType = "reconcile"
)

func (t RunType) Valid() bool {
	switch t {
	case RunTypeDetect, RunTypeDetailWorker, RunTypeReconcile:
		return true
	}
	return false
}

type RunMode string

const (
	ModeShadow        RunMode = "shadow"
	ModeAuthoritative RunMode = "authoritative"
)

func (m RunMode) Valid() bool {
	return m == ModeShadow || m == ModeAuthoritative
}

// Run is one execution of one run type for one source.
type Run struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Source       string          `json:"source" db:"source"`
	RunType      RunType         `json:"run_type" db:"run_type"`
	Mode         RunMode         `json:"mode" db:"mode"`
	Status       RunStatus       `json:"status" db:"status"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at" db:"finished_at"`
	Counters     RunCounters     `json:"counters" db:"counters"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunCounters accumulates while a run executes and is persisted once at finish.
type RunCounters struct {
	ExternalRequests      int            `json:"external_requests"`
	StagingReads          int            `json:"staging_reads"`
	StagingWrites         int            `json:"staging_writes"`
	ParseFailures         int            `json:"parse_failures"`
	SelectorFailures      int            `json:"selector_failures"`
	DetailFetches         int            `json:"detail_fetches"`
	StagedRows            int            `json:"staged_rows"`
	QueueDepth            int            `json:"queue_depth"`
	QueueOldestAgeSeconds float64        `json:"queue_oldest_age_seconds"`
	Events                map[string]int `json:"events,omitempty"`
	RemovalCandidates     int            `json:"removal_candidates"`
	Applied               int            `json:"applied"`
	DurationMS            int64          `json:"duration_ms"`
}

func (c *RunCounters) AddEvent(kind EventType) {
	if c.Events == nil {
		c.Events = make(map[string]int)
	}
	c.Events[string(kind)]++
}

func (c RunCounters) ToJSON() json.RawMessage {
	data, _ := json.Marshal(c)
	return data
}

// RunMetadata is the free-form part of a finished run.
type RunMetadata struct {
	Health            *HealthSummary `json:"health,omitempty"`
	Apply             map[string]int `json:"apply,omitempty"`
	ApplySkipped      int            `json:"apply_skipped,omitempty"`
	ApplyBlocked      bool           `json:"apply_blocked,omitempty"`
	RemovalBlocked    bool           `json:"removal_blocked,omitempty"`
	RemovalCandidates []string       `json:"removal_candidates,omitempty"`
	WouldRemove       []string       `json:"would_remove,omitempty"`
	Enqueued          int            `json:"enqueued,omitempty"`
	Reclaimed         int            `json:"reclaimed,omitempty"`
	ArchiveKey        string         `json:"archive_key,omitempty"`
}

func (m RunMetadata) ToJSON() json.RawMessage {
	data, _ := json.Marshal(m)
	return data
}

// HealthSummary records the health evaluator's inputs and verdict for a run.
type HealthSummary struct {
	ParseFailRatio    float64 `json:"parse_fail_ratio"`
	SelectorFailCount int     `json:"selector_fail_count"`
	PageCoverageRatio float64 `json:"page_coverage_ratio"`
	IsHealthy         bool    `json:"is_healthy"`
	Score             float64 `json:"score"`
}
