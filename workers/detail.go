package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vessel_ingest/httputil"
	"vessel_ingest/identity"
	"vessel_ingest/models"
	"vessel_ingest/services"
	"vessel_ingest/storage"
)

// Enricher fetches detail pages for one source.
type Enricher interface {
	Source() string
	EnrichDetail(ctx context.Context, row models.ListingRow) (models.VesselPayload, models.DetailMetrics, error)
}

// DetailValidator rejects payloads that break the adapter contract.
type DetailValidator func(source string, want models.ListingRow, p models.VesselPayload, m models.DetailMetrics) error

// DetailWorker enriches claimed queue jobs concurrently and stages the
// results for a detail-worker run.
type DetailWorker struct {
	store    storage.Store
	queue    *services.DetailQueue
	logger   *zap.Logger
	owner    string
	Validate DetailValidator
}

func NewDetailWorker(store storage.Store, queue *services.DetailQueue, owner string, logger *zap.Logger) *DetailWorker {
	return &DetailWorker{store: store, queue: queue, owner: owner, logger: logger}
}

func (w *DetailWorker) Owner() string { return w.owner }

// JobResult is the outcome of one enrichment attempt.
type JobResult struct {
	Job     models.DetailQueueJob
	Payload *models.VesselPayload
	Metrics models.DetailMetrics
	Error   error
}

// DetailBatch summarizes one Process call.
type DetailBatch struct {
	Results          []JobResult
	Staged           int
	Done             int
	Retried          int
	Dead             int
	LeaseLost        int
	ExternalRequests int
	ParseFailures    int
}

// Process enriches jobs with at most concurrency fetches in flight, stages
// every valid payload under runID and only then settles the jobs. A contract
// violation stages nothing: offending jobs spend an attempt, the rest are
// handed back, and the violation is returned.
func (w *DetailWorker) Process(ctx context.Context, runID uuid.UUID, enricher Enricher, jobs []models.DetailQueueJob, concurrency int) (*DetailBatch, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	batch := &DetailBatch{Results: make([]JobResult, len(jobs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range jobs {
		g.Go(func() error {
			batch.Results[i] = w.enrich(gctx, enricher, jobs[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		// Claimed jobs stay processing and are reclaimed once their lease expires.
		return batch, err
	}

	var contractErr error
	for _, r := range batch.Results {
		batch.ExternalRequests += r.Metrics.ExternalRequests
		batch.ParseFailures += r.Metrics.ParseFailCount
		if contractErr == nil && r.Error != nil && isContractError(r.Error) {
			contractErr = r.Error
		}
	}

	if contractErr != nil {
		for i := range batch.Results {
			r := &batch.Results[i]
			var err error
			if r.Error != nil && isContractError(r.Error) {
				err = w.queue.MarkRetry(ctx, &r.Job, w.owner, r.Error)
				batch.Retried++
			} else {
				err = w.queue.Release(ctx, &r.Job, w.owner)
			}
			if err := w.settleErr(r, err); err != nil {
				return batch, err
			}
		}
		return batch, contractErr
	}

	var payloads []models.VesselPayload
	for _, r := range batch.Results {
		if r.Error == nil && r.Payload != nil {
			payloads = append(payloads, *r.Payload)
		}
	}
	if len(payloads) > 0 {
		if err := w.store.InsertVesselPayloads(ctx, runID, payloads, w.queue.Now()); err != nil {
			return batch, fmt.Errorf("stage payloads: %w", err)
		}
		batch.Staged = len(payloads)
	}

	for i := range batch.Results {
		r := &batch.Results[i]
		var err error
		switch {
		case r.Error == nil:
			err = w.queue.MarkDone(ctx, &r.Job, w.owner)
			batch.Done++
		case httputil.IsPermanent(r.Error):
			err = w.queue.MarkDead(ctx, &r.Job, w.owner, r.Error)
			batch.Dead++
		default:
			err = w.queue.MarkRetry(ctx, &r.Job, w.owner, r.Error)
			if r.Job.Status == models.JobDead {
				batch.Dead++
			} else {
				batch.Retried++
			}
		}
		if err := w.settleErr(r, err); err != nil {
			return batch, err
		}
		if r.Error != nil {
			w.logger.Warn("detail fetch failed",
				zap.String("source", r.Job.Source),
				zap.String("source_id", r.Job.SourceID),
				zap.Int("attempt", r.Job.AttemptCount),
				zap.String("status", string(r.Job.Status)),
				zap.Error(r.Error),
			)
		}
	}
	return batch, nil
}

func (w *DetailWorker) settleErr(r *JobResult, err error) error {
	if errors.Is(err, storage.ErrLeaseLost) {
		w.logger.Warn("lease lost before settling job",
			zap.String("source", r.Job.Source),
			zap.String("source_id", r.Job.SourceID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle job %s: %w", r.Job.ID, err)
	}
	return nil
}

func (w *DetailWorker) enrich(ctx context.Context, enricher Enricher, job models.DetailQueueJob) JobResult {
	res := JobResult{Job: job}
	payload, m, err := enricher.EnrichDetail(ctx, job.Listing)
	res.Metrics = m
	if err != nil {
		res.Error = err
		return res
	}
	if w.Validate != nil {
		if err := w.Validate(enricher.Source(), job.Listing, payload, m); err != nil {
			res.Error = err
			return res
		}
	}
	payload.Fingerprint = identity.ListingFingerprint(payload.ListingRow)
	payload.CanonicalFingerprint = identity.PayloadFingerprint(payload)
	res.Payload = &payload
	return res
}

type contractError interface {
	error
	Contract() bool
}

func isContractError(err error) bool {
	var ce contractError
	return errors.As(err, &ce) && ce.Contract()
}
