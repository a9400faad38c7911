package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/metrics"
	"vessel_ingest/models"
	"vessel_ingest/storage"
)

const (
	baseBackoff = time.Minute
	maxBackoff  = 30 * time.Minute
)

// Backoff is the delay before the given attempt is retried:
// 1m, 2m, 4m ... capped at 30m.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// DetailQueue is the durable work queue between detect and detail-worker
// runs. Claims are leases: a job held past its lease is reclaimed.
type DetailQueue struct {
	store       storage.Store
	logger      *zap.Logger
	MaxAttempts int
	Now         func() time.Time
}

func NewDetailQueue(store storage.Store, logger *zap.Logger, maxAttempts int) *DetailQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &DetailQueue{store: store, logger: logger, MaxAttempts: maxAttempts, Now: time.Now}
}

// EnqueueChanged enqueues rows that are new or whose listing fingerprint
// differs from the canonical vessel. It returns how many jobs were created.
func (q *DetailQueue) EnqueueChanged(ctx context.Context, source string, rows []models.ListingRow) (int, error) {
	var changed []models.ListingRow
	for _, row := range rows {
		v, err := q.store.GetVessel(ctx, source, row.SourceID)
		if errors.Is(err, storage.ErrNotFound) {
			changed = append(changed, row)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("load vessel %s: %w", row.SourceID, err)
		}
		if v.ListingFingerprint != row.Fingerprint {
			changed = append(changed, row)
		}
	}
	return q.Enqueue(ctx, source, changed)
}

// Enqueue adds a job per row. A row with a pending or processing job is
// not enqueued again; a pending job picks up the newer listing instead. A
// row whose fingerprint matches the last completed job is skipped.
func (q *DetailQueue) Enqueue(ctx context.Context, source string, rows []models.ListingRow) (int, error) {
	enqueued := 0
	for _, row := range rows {
		err := q.store.InTx(ctx, func(tx storage.Store) error {
			now := q.Now()

			active, err := tx.ActiveJob(ctx, source, row.SourceID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if active != nil {
				if active.Status == models.JobPending && active.Fingerprint != row.Fingerprint {
					return tx.RefreshPendingJob(ctx, active.ID, row, row.Fingerprint, now)
				}
				return nil
			}

			done, err := tx.LastDoneJob(ctx, source, row.SourceID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if done != nil && done.Fingerprint == row.Fingerprint {
				return nil
			}

			if err := tx.InsertJob(ctx, &models.DetailQueueJob{
				ID:            uuid.New(),
				Source:        source,
				SourceID:      row.SourceID,
				Listing:       row,
				Fingerprint:   row.Fingerprint,
				Status:        models.JobPending,
				MaxAttempts:   q.MaxAttempts,
				NextAttemptAt: now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}); err != nil {
				return err
			}
			enqueued++
			return nil
		})
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", row.SourceID, err)
		}
	}
	return enqueued, nil
}

// Claim leases up to limit due jobs to owner.
func (q *DetailQueue) Claim(ctx context.Context, source string, limit int, owner string) ([]models.DetailQueueJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.store.ClaimJobs(ctx, source, limit, owner, q.Now())
}

func (q *DetailQueue) MarkDone(ctx context.Context, job *models.DetailQueueJob, owner string) error {
	job.Status = models.JobDone
	job.LastError = ""
	return q.release(ctx, job, owner)
}

// MarkRetry records a failed attempt. The job returns to pending with a
// backoff, or goes dead once its attempts are exhausted.
func (q *DetailQueue) MarkRetry(ctx context.Context, job *models.DetailQueueJob, owner string, cause error) error {
	job.AttemptCount++
	job.LastError = errString(cause)
	if job.AttemptCount >= q.maxAttempts(job) {
		job.Status = models.JobDead
	} else {
		job.Status = models.JobPending
		job.NextAttemptAt = q.Now().Add(Backoff(job.AttemptCount))
	}
	return q.release(ctx, job, owner)
}

// MarkDead dead-letters a job immediately, for permanent failures.
func (q *DetailQueue) MarkDead(ctx context.Context, job *models.DetailQueueJob, owner string, cause error) error {
	job.AttemptCount++
	job.LastError = errString(cause)
	job.Status = models.JobDead
	return q.release(ctx, job, owner)
}

func (q *DetailQueue) release(ctx context.Context, job *models.DetailQueueJob, owner string) error {
	job.LockedAt = nil
	job.LockedBy = ""
	job.UpdatedAt = q.Now()
	if err := q.store.ReleaseJob(ctx, job, owner); err != nil {
		return err
	}
	metrics.QueueJobsProcessed.WithLabelValues(job.Source, string(job.Status)).Inc()
	return nil
}

// ReclaimExpired returns jobs whose lease is older than leaseTimeout to
// pending, counting the lost lease as an attempt.
func (q *DetailQueue) ReclaimExpired(ctx context.Context, source string, leaseTimeout time.Duration) (int, error) {
	now := q.Now()
	jobs, err := q.store.ExpiredJobs(ctx, source, now.Add(-leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("expired jobs: %w", err)
	}

	reclaimed := 0
	for i := range jobs {
		job := jobs[i]
		owner := job.LockedBy
		job.AttemptCount++
		job.LastError = fmt.Sprintf("lease held by %s expired", owner)
		if job.AttemptCount >= q.maxAttempts(&job) {
			job.Status = models.JobDead
		} else {
			job.Status = models.JobPending
			job.NextAttemptAt = now
		}
		err := q.release(ctx, &job, owner)
		if errors.Is(err, storage.ErrLeaseLost) {
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", job.ID, err)
		}
		reclaimed++
		q.logger.Warn("reclaimed expired lease",
			zap.String("source", job.Source),
			zap.String("source_id", job.SourceID),
			zap.String("owner", owner),
			zap.String("status", string(job.Status)),
		)
	}
	return reclaimed, nil
}

func (q *DetailQueue) Stats(ctx context.Context, source string) (models.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx, source)
	if err != nil {
		return stats, err
	}
	metrics.QueueDepth.WithLabelValues(source).Set(float64(stats.Pending + stats.Processing))
	return stats, nil
}

// Dead lists dead-lettered jobs for inspection.
func (q *DetailQueue) Dead(ctx context.Context, source string, limit int) ([]models.DetailQueueJob, error) {
	return q.store.ListJobs(ctx, storage.JobFilter{Source: source, Status: models.JobDead, Limit: limit})
}

// Requeue moves a dead job back to pending with a fresh attempt budget.
func (q *DetailQueue) Requeue(ctx context.Context, id uuid.UUID) error {
	return q.store.RequeueJob(ctx, id, q.Now())
}

func (q *DetailQueue) maxAttempts(job *models.DetailQueueJob) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return q.MaxAttempts
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Release hands a claimed job back untouched, without spending an attempt.
func (q *DetailQueue) Release(ctx context.Context, job *models.DetailQueueJob, owner string) error {
	job.Status = models.JobPending
	job.NextAttemptAt = q.Now()
	return q.release(ctx, job, owner)
}

// WithMaxAttempts returns a copy of q that gives new jobs n attempts.
func (q *DetailQueue) WithMaxAttempts(n int) *DetailQueue {
	c := *q
	if n > 0 {
		c.MaxAttempts = n
	}
	return &c
}
