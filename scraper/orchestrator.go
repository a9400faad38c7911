package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vessel_ingest/config"
	"vessel_ingest/identity"
	"vessel_ingest/metrics"
	"vessel_ingest/models"
	"vessel_ingest/services"
	"vessel_ingest/storage"
	"vessel_ingest/workers"
)

// ErrAllSourcesFailed is returned by Run when no requested source finished.
var ErrAllSourcesFailed = errors.New("all sources failed")

// Archiver stores a copy of a run's staged rows.
type Archiver interface {
	Archive(ctx context.Context, source string, runID uuid.UUID, rows any) (string, error)
}

type RunRequest struct {
	Source  string
	RunType models.RunType
	Mode    models.RunMode
}

// Invocation runs one run type over a set of sources. An empty Sources
// means every enabled source.
type Invocation struct {
	RunType models.RunType
	Mode    models.RunMode
	Sources []string
}

type InvocationResult struct {
	Runs   []*models.Run
	Errors map[string]error
}

type Orchestrator struct {
	cfg      *config.Config
	store    storage.Store
	registry *Registry
	logger   *zap.Logger
	archiver Archiver

	diff   *services.DiffService
	apply  *services.ApplyService
	health *services.HealthService
	queue  *services.DetailQueue
	alerts *services.AlertService

	mu     sync.RWMutex
	paused bool

	Now func() time.Time
}

func NewOrchestrator(cfg *config.Config, store storage.Store, registry *Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   logger,
		diff:     services.NewDiffService(store, logger),
		apply:    services.NewApplyService(store, logger),
		health:   services.NewHealthService(store, logger),
		queue:    services.NewDetailQueue(store, logger, 0),
		alerts:   services.NewAlertService(store, logger, nil),
		Now:      time.Now,
	}
}

// SetArchiver enables the per-run staging archive.
func (o *Orchestrator) SetArchiver(a Archiver) {
	o.archiver = a
}

// SetAlertSink routes newly raised alerts to sink.
func (o *Orchestrator) SetAlertSink(sink services.AlertSink) {
	o.alerts = services.NewAlertService(o.store, o.logger, sink)
}

// Alerts exposes the alert evaluator so callers can run it on its own cadence.
func (o *Orchestrator) Alerts() *services.AlertService { return o.alerts }

// Queue exposes the detail queue for reclaim loops and ops tooling.
func (o *Orchestrator) Queue() *services.DetailQueue { return o.queue }

// Run executes inv for each source concurrently. Per-source failures are
// logged and collected; the call errors only when every source failed.
func (o *Orchestrator) Run(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	res := &InvocationResult{Errors: make(map[string]error)}
	if o.IsPaused() {
		o.logger.Info("orchestrator is paused, skipping run", zap.String("run_type", string(inv.RunType)))
		return res, nil
	}

	sources := inv.Sources
	if len(sources) == 0 {
		sources = o.cfg.SourceKeys()
	}
	if len(sources) == 0 {
		return res, fmt.Errorf("no sources to run")
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, source := range sources {
		g.Go(func() error {
			run, err := o.RunSource(ctx, RunRequest{Source: source, RunType: inv.RunType, Mode: inv.Mode})
			mu.Lock()
			defer mu.Unlock()
			if run != nil {
				res.Runs = append(res.Runs, run)
			}
			if err != nil {
				res.Errors[source] = err
				o.logger.Error("source run failed",
					zap.String("source", source),
					zap.String("run_type", string(inv.RunType)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Errors) == len(sources) {
		errs := make([]error, 0, len(res.Errors))
		for _, source := range sources {
			errs = append(errs, fmt.Errorf("%s: %w", source, res.Errors[source]))
		}
		return res, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
	}
	return res, nil
}

// RunSource executes one run. The Run record is persisted before any step
// and finalized whatever the outcome, with the counters gathered so far.
func (o *Orchestrator) RunSource(ctx context.Context, req RunRequest) (*models.Run, error) {
	if !req.RunType.Valid() {
		return nil, fmt.Errorf("invalid run type %q", req.RunType)
	}
	if req.Mode == "" {
		req.Mode = models.ModeAuthoritative
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}
	src, ok := o.cfg.Sources[req.Source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}
	adapter, ok := o.registry.Get(req.Source)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q", req.Source)
	}

	run := &models.Run{
		ID:        uuid.New(),
		Source:    req.Source,
		RunType:   req.RunType,
		Mode:      req.Mode,
		Status:    models.RunStatusRunning,
		StartedAt: o.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	log := o.logger.With(
		zap.String("source", run.Source),
		zap.String("run_id", run.ID.String()),
		zap.String("run_type", string(run.RunType)),
		zap.String("mode", string(run.Mode)),
	)
	log.Info("run started")

	meta := &models.RunMetadata{}
	var err error
	switch run.RunType {
	case models.RunTypeDetect, models.RunTypeReconcile:
		err = o.listRun(ctx, run, meta, src, adapter)
	case models.RunTypeDetailWorker:
		err = o.detailRun(ctx, run, meta, src, adapter)
	}

	o.finish(ctx, run, meta, src, err, log)
	return run, err
}

func (o *Orchestrator) listRun(ctx context.Context, run *models.Run, meta *models.RunMetadata, src *config.SourceConfig, adapter Adapter) error {
	rows, lm, err := adapter.ScrapeListing(ctx)
	run.Counters.ExternalRequests += lm.ExternalRequests
	run.Counters.SelectorFailures += lm.SelectorFailCount
	run.Counters.ParseFailures += lm.ParseFailCount
	if err != nil {
		return fmt.Errorf("scrape listing: %w", err)
	}
	if err := ValidateListing(run.Source, rows, lm); err != nil {
		return err
	}

	seen := make(map[string]bool, len(rows))
	for i := range rows {
		rows[i].Fingerprint = identity.ListingFingerprint(rows[i])
		seen[rows[i].SourceID] = true
	}

	if err := o.store.InsertListingRows(ctx, run.ID, rows, o.Now()); err != nil {
		return fmt.Errorf("stage rows: %w", err)
	}
	run.Counters.StagingWrites += len(rows)
	run.Counters.StagedRows = len(seen)

	if o.archiver != nil && len(rows) > 0 {
		key, err := o.archiver.Archive(ctx, run.Source, run.ID, rows)
		if err != nil {
			o.logger.Warn("archive staged rows", zap.String("source", run.Source), zap.Error(err))
		} else {
			meta.ArchiveKey = key
		}
	}

	events, err := o.diff.ComputeDiff(ctx, run.ID, run.Source, run.RunType)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	run.Counters.StagingReads += len(seen)
	for _, ev := range events {
		run.Counters.AddEvent(ev.EventType)
	}

	enqueued, err := o.queue.WithMaxAttempts(src.Queue.MaxAttempts).EnqueueChanged(ctx, run.Source, rows)
	if err != nil {
		return fmt.Errorf("enqueue detail jobs: %w", err)
	}
	meta.Enqueued = enqueued

	health := services.Summarize(src.Thresholds, lm, len(seen))
	meta.Health = &health

	if run.RunType == models.RunTypeReconcile {
		missing, err := o.health.MarkMissing(ctx, run, seen, health, src.Thresholds)
		if err != nil {
			return fmt.Errorf("mark missing: %w", err)
		}
		run.Counters.RemovalCandidates = len(missing.Candidates)
		meta.RemovalCandidates = missing.Candidates
		meta.RemovalBlocked = missing.Blocked
		meta.WouldRemove = missing.WouldRemove
		for range missing.Removed {
			run.Counters.AddEvent(models.EventRemoved)
		}
	}

	if err := o.queueCounters(ctx, run); err != nil {
		return err
	}

	if run.Mode != models.ModeAuthoritative {
		return nil
	}
	if !health.IsHealthy {
		meta.ApplyBlocked = true
		metrics.CircuitBreakerBlocks.WithLabelValues(run.Source, "apply").Inc()
		o.logger.Warn("apply blocked by circuit breaker",
			zap.String("source", run.Source),
			zap.String("run_id", run.ID.String()),
			zap.Float64("health_score", health.Score),
		)
		return nil
	}
	return o.applyRun(ctx, run, meta)
}

func (o *Orchestrator) detailRun(ctx context.Context, run *models.Run, meta *models.RunMetadata, src *config.SourceConfig, adapter Adapter) error {
	queue := o.queue.WithMaxAttempts(src.Queue.MaxAttempts)

	reclaimed, err := queue.ReclaimExpired(ctx, run.Source, src.Queue.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("reclaim leases: %w", err)
	}
	meta.Reclaimed = reclaimed

	limit := min(src.Queue.BatchSize, src.Queue.BudgetPerRun)
	owner := fmt.Sprintf("%s/%s", o.cfg.Worker.ID, run.ID)
	jobs, err := queue.Claim(ctx, run.Source, limit, owner)
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}
	run.Counters.DetailFetches = len(jobs)

	if len(jobs) > 0 {
		worker := workers.NewDetailWorker(o.store, queue, owner, o.logger)
		worker.Validate = ValidateDetail
		batch, err := worker.Process(ctx, run.ID, adapter, jobs, src.Queue.BatchSize)
		if batch != nil {
			run.Counters.ExternalRequests += batch.ExternalRequests
			run.Counters.ParseFailures += batch.ParseFailures
			run.Counters.StagingWrites += batch.Staged
			run.Counters.StagedRows = batch.Staged
		}
		if err != nil {
			return fmt.Errorf("detail worker: %w", err)
		}

		events, err := o.diff.ComputeDiff(ctx, run.ID, run.Source, run.RunType)
		if err != nil {
			return fmt.Errorf("diff: %w", err)
		}
		run.Counters.StagingReads += run.Counters.StagedRows
		for _, ev := range events {
			run.Counters.AddEvent(ev.EventType)
		}
	}

	if err := o.queueCounters(ctx, run); err != nil {
		return err
	}
	if run.Mode != models.ModeAuthoritative || len(jobs) == 0 {
		return nil
	}
	return o.applyRun(ctx, run, meta)
}

func (o *Orchestrator) applyRun(ctx context.Context, run *models.Run, meta *models.RunMetadata) error {
	res, err := o.apply.ApplyDiff(ctx, run.ID, run.Source, run.RunType)
	if res != nil {
		meta.Apply = res.Summary()
		meta.ApplySkipped = res.Skipped
		run.Counters.Applied = res.Applied
	}
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

func (o *Orchestrator) queueCounters(ctx context.Context, run *models.Run) error {
	stats, err := o.queue.Stats(ctx, run.Source)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	run.Counters.QueueDepth = stats.Pending + stats.Processing
	run.Counters.QueueOldestAgeSeconds = stats.OldestAge(o.Now()).Seconds()
	return nil
}

// finish persists the run outcome. It runs on a context detached from
// cancellation so an aborted run is still recorded.
func (o *Orchestrator) finish(ctx context.Context, run *models.Run, meta *models.RunMetadata, src *config.SourceConfig, runErr error, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)

	finished := o.Now()
	run.FinishedAt = &finished
	run.Counters.DurationMS = finished.Sub(run.StartedAt).Milliseconds()
	run.Status = models.RunStatusSuccess
	if runErr != nil {
		run.Status = models.RunStatusError
		run.ErrorMessage = runErr.Error()
	}
	run.Metadata = meta.ToJSON()

	if err := o.store.FinishRun(ctx, run); err != nil {
		log.Error("finish run", zap.Error(err))
	}
	if _, err := o.health.RecordRun(ctx, run, meta.Health, meta.RemovalBlocked, src.Health.Window); err != nil {
		log.Error("record source health", zap.Error(err))
	}
	if run.RunType != models.RunTypeDetailWorker {
		if _, err := o.alerts.Evaluate(ctx, run.Source, src.Alerts); err != nil {
			log.Error("evaluate alerts", zap.Error(err))
		}
	}

	metrics.RunsTotal.WithLabelValues(run.Source, string(run.RunType), string(run.Mode), string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(run.Source, string(run.RunType)).Observe(run.Duration().Seconds())

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("staged", run.Counters.StagedRows),
		zap.Any("events", run.Counters.Events),
		zap.Int("applied", run.Counters.Applied),
		zap.Int64("duration_ms", run.Counters.DurationMS),
	}
	if runErr != nil {
		log.Error("run failed", append(fields, zap.Error(runErr))...)
		return
	}
	log.Info("run finished", fields...)
}

// HandleCommand executes an operator command.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRun:
		var params models.CommandParams
		if len(cmd.Params) > 0 {
			if err := json.Unmarshal(cmd.Params, &params); err != nil {
				return fmt.Errorf("decode command params: %w", err)
			}
		}
		inv := Invocation{RunType: params.RunType, Mode: params.Mode}
		if inv.RunType == "" {
			inv.RunType = models.RunTypeDetect
		}
		if inv.Mode == "" {
			inv.Mode = models.RunMode(o.cfg.Scheduler.Mode)
		}
		if params.Source != "" {
			inv.Sources = []string{params.Source}
		}
		_, err := o.Run(ctx, inv)
		return err
	case models.CmdPause:
		o.setPaused(true)
		o.logger.Info("orchestrator paused")
	case models.CmdResume:
		o.setPaused(false)
		o.logger.Info("orchestrator resumed")
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	return nil
}

func (o *Orchestrator) setPaused(p bool) {
	o.mu.Lock()
	o.paused = p
	o.mu.Unlock()
}

func (o *Orchestrator) IsPaused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

// MarshalStatus reports the pause flag and the registered sources.
func (o *Orchestrator) MarshalStatus() ([]byte, error) {
	status := map[string]any{
		"paused":  o.IsPaused(),
		"sources": o.registry.Sources(),
	}
	return json.Marshal(status)
}
