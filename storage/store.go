package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vessel_ingest/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost means a queue job is no longer held by the caller.
	ErrLeaseLost = errors.New("lease lost")
	// ErrRunFinalized means the run already left the running state.
	ErrRunFinalized = errors.New("run already finalized")
)

// Store is the persistence boundary for the pipeline. All keys are
// source-scoped, so concurrent runs for different sources never touch the
// same rows.
type Store interface {
	// InTx runs fn inside one transaction. Calls on the Store passed to fn
	// join that transaction; nested InTx calls reuse it.
	InTx(ctx context.Context, fn func(Store) error) error
	Close() error

	CreateRun(ctx context.Context, r *models.Run) error
	FinishRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	RecentRuns(ctx context.Context, f RunFilter) ([]models.Run, error)

	InsertListingRows(ctx context.Context, runID uuid.UUID, rows []models.ListingRow, at time.Time) error
	InsertVesselPayloads(ctx context.Context, runID uuid.UUID, payloads []models.VesselPayload, at time.Time) error
	StagedListings(ctx context.Context, runID uuid.UUID, source string) ([]models.StagedListing, error)
	StagedVessels(ctx context.Context, runID uuid.UUID, source string) ([]models.StagedVessel, error)

	GetVessel(ctx context.Context, source, sourceID string) (*models.Vessel, error)
	ListVessels(ctx context.Context, f VesselFilter) ([]models.Vessel, error)
	UpsertVessel(ctx context.Context, v *models.Vessel) error
	// RecordMiss sets the miss counter once per run. It reports false when
	// the vessel was already counted for runID.
	RecordMiss(ctx context.Context, source, sourceID string, misses int, runID uuid.UUID, at time.Time) (bool, error)
	CountVessels(ctx context.Context, source string) (map[models.VesselStatus]int, error)

	AppendPriceHistory(ctx context.Context, p *models.PriceHistory) (bool, error)
	PriceHistory(ctx context.Context, source, sourceID string) ([]models.PriceHistory, error)
	AppendActivity(ctx context.Context, a *models.Activity) (bool, error)
	Activities(ctx context.Context, source, sourceID string) ([]models.Activity, error)

	// UpsertDiffEvent keys on (run_id, source, source_id). Applied events
	// are left untouched.
	UpsertDiffEvent(ctx context.Context, e *models.DiffEvent) error
	DiffEvents(ctx context.Context, runID uuid.UUID, source string) ([]models.DiffEvent, error)
	// MarkEventApplied reports false when the event was already applied.
	MarkEventApplied(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CountEvents(ctx context.Context, f EventFilter) (map[models.EventType]int, error)

	InsertJob(ctx context.Context, j *models.DetailQueueJob) error
	ActiveJob(ctx context.Context, source, sourceID string) (*models.DetailQueueJob, error)
	LastDoneJob(ctx context.Context, source, sourceID string) (*models.DetailQueueJob, error)
	RefreshPendingJob(ctx context.Context, id uuid.UUID, listing models.ListingRow, fingerprint string, at time.Time) error
	ClaimJobs(ctx context.Context, source string, limit int, owner string, now time.Time) ([]models.DetailQueueJob, error)
	// ReleaseJob writes j's new state if owner still holds the lease.
	ReleaseJob(ctx context.Context, j *models.DetailQueueJob, owner string) error
	ExpiredJobs(ctx context.Context, source string, lockedBefore time.Time) ([]models.DetailQueueJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.DetailQueueJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.DetailQueueJob, error)
	RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error
	QueueStats(ctx context.Context, source string) (models.QueueStats, error)

	GetSourceHealth(ctx context.Context, source string) (*models.SourceHealth, error)
	SaveSourceHealth(ctx context.Context, h *models.SourceHealth) error
	ListSourceHealth(ctx context.Context) ([]models.SourceHealth, error)

	// InsertOutbox keys on (run_id, source, source_id) and reports false
	// when the entry already exists.
	InsertOutbox(ctx context.Context, e *models.NotificationOutboxEntry) (bool, error)
	PendingOutbox(ctx context.Context, limit int) ([]models.NotificationOutboxEntry, error)
	ListOutbox(ctx context.Context, f OutboxFilter) ([]models.NotificationOutboxEntry, error)
	MarkOutboxSent(ctx context.Context, ids []uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, ids []uuid.UUID, lastErr string) error
	OutboxStats(ctx context.Context, source string) (models.OutboxStats, error)

	GetOpenAlert(ctx context.Context, source string, kind models.AlertKind) (*models.Alert, error)
	SaveAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)

	CreateCommand(ctx context.Context, c *models.Command) error
	PendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64, at time.Time) error
}

type RunFilter struct {
	Source       string
	RunType      models.RunType
	FinishedOnly bool
	Limit        int
}

type VesselFilter struct {
	Source   string
	Statuses []models.VesselStatus
	Limit    int
}

type EventFilter struct {
	RunID  uuid.UUID
	Source string
}

type JobFilter struct {
	Source string
	Status models.JobStatus
	Limit  int
}

type OutboxFilter struct {
	RunID  uuid.UUID
	Source string
	Status models.OutboxStatus
	Limit  int
}

type AlertFilter struct {
	Source string
	Status models.AlertStatus
	Limit  int
}
