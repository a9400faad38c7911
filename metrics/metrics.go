// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of finished runs by status",
		},
		[]string{"source", "run_type", "mode", "status"},
	)

	// RunDuration tracks run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vessel_ingest",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"source", "run_type"},
	)

	// DiffEventsTotal tracks classified diff events
	DiffEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "diff",
			Name:      "events_total",
			Help:      "Total number of diff events by kind",
		},
		[]string{"source", "event_type"},
	)

	// HealthScore is the last computed health score per source
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vessel_ingest",
			Subsystem: "health",
			Name:      "score",
			Help:      "Last health score per source and run type",
		},
		[]string{"source", "run_type"},
	)

	// CircuitBreakerBlocks counts applies or removals blocked by health
	CircuitBreakerBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "health",
			Name:      "blocks_total",
			Help:      "Destructive steps blocked by the circuit breaker",
		},
		[]string{"source", "step"},
	)

	// QueueJobsProcessed tracks detail jobs by outcome
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Detail jobs processed by outcome",
		},
		[]string{"source", "outcome"},
	)

	// QueueDepth is the number of pending detail jobs
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vessel_ingest",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending detail jobs per source",
		},
		[]string{"source"},
	)

	// OutboxDispatched tracks outbox entries by dispatch outcome
	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "outbox",
			Name:      "dispatched_total",
			Help:      "Outbox entries by dispatch outcome",
		},
		[]string{"provider", "outcome"},
	)

	// AlertsRaised tracks newly opened alerts
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vessel_ingest",
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Alerts opened by kind",
		},
		[]string{"source", "kind"},
	)
)
