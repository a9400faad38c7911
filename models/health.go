package models

import "time"

// SourceHealth is the rolling per-source state read by the health
// evaluator and alerting.
type SourceHealth struct {
	Source                       string     `json:"source" db:"source"`
	StagedMedian                 float64    `json:"staged_median" db:"staged_median"`
	StagedP95                    float64    `json:"staged_p95" db:"staged_p95"`
	RemovedMedian                float64    `json:"removed_median" db:"removed_median"`
	RemovedP95                   float64    `json:"removed_p95" db:"removed_p95"`
	LastRunStatus                RunStatus  `json:"last_run_status" db:"last_run_status"`
	LastRunAt                    *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastHealthScore              float64    `json:"last_health_score" db:"last_health_score"`
	LastHealthy                  bool       `json:"last_healthy" db:"last_healthy"`
	ConsecutiveHealthy           int        `json:"consecutive_healthy" db:"consecutive_healthy"`
	ConsecutiveUnhealthy         int        `json:"consecutive_unhealthy" db:"consecutive_unhealthy"`
	ConsecutiveMissCandidateRuns int        `json:"consecutive_miss_candidate_runs" db:"consecutive_miss_candidate_runs"`
	UpdatedAt                    time.Time  `json:"updated_at" db:"updated_at"`
}
