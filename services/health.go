package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/metrics"
	"vessel_ingest/models"
	"vessel_ingest/storage"
)

// HealthResult is the circuit breaker's verdict for one run.
type HealthResult struct {
	IsHealthy bool    `json:"is_healthy"`
	Score     float64 `json:"score"`
}

// Evaluate requires all three checks to pass. The score is the mean of one
// normalized component per check, so unhealthy runs still trend.
func Evaluate(th config.Thresholds, parseFailRatio float64, selectorFailCount int, pageCoverageRatio float64) HealthResult {
	healthy := parseFailRatio <= th.MaxParseFailRatio &&
		selectorFailCount <= th.MaxSelectorFailCount &&
		pageCoverageRatio >= th.MinPageCoverageRatio

	parse := clamp01(1 - parseFailRatio)
	selectors := clamp01(1 - float64(selectorFailCount)/float64(th.MaxSelectorFailCount+1))
	coverage := 1.0
	if th.MinPageCoverageRatio > 0 {
		coverage = clamp01(pageCoverageRatio / th.MinPageCoverageRatio)
	}

	return HealthResult{
		IsHealthy: healthy,
		Score:     (parse + selectors + coverage) / 3,
	}
}

// ParseFailRatio is parse failures over all rows the adapter attempted.
func ParseFailRatio(parseFails, stagedRows int) float64 {
	total := parseFails + stagedRows
	if total == 0 {
		return 0
	}
	return float64(parseFails) / float64(total)
}

// Summarize evaluates a run's metrics into the summary stored on the run.
func Summarize(th config.Thresholds, m models.ListingMetrics, stagedRows int) models.HealthSummary {
	ratio := ParseFailRatio(m.ParseFailCount, stagedRows)
	res := Evaluate(th, ratio, m.SelectorFailCount, m.PageCoverageRatio)
	return models.HealthSummary{
		ParseFailRatio:    ratio,
		SelectorFailCount: m.SelectorFailCount,
		PageCoverageRatio: m.PageCoverageRatio,
		IsHealthy:         res.IsHealthy,
		Score:             res.Score,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	i := int(idx)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

// HealthService owns SourceHealth and the health-gated removal step.
type HealthService struct {
	store  storage.Store
	logger *zap.Logger
	Now    func() time.Time
}

func NewHealthService(store storage.Store, logger *zap.Logger) *HealthService {
	return &HealthService{store: store, logger: logger, Now: time.Now}
}

// MissingResult reports what the removal step found and did.
type MissingResult struct {
	Candidates  []string
	Removed     []string
	WouldRemove []string
	Blocked     bool
}

// MarkMissing handles active vessels absent from a reconcile run. An
// unhealthy run changes nothing. A healthy authoritative run bumps each
// missing vessel's miss counter once and emits a removed event when the
// counter reaches the threshold. Shadow runs only report.
func (s *HealthService) MarkMissing(ctx context.Context, run *models.Run, seen map[string]bool, health models.HealthSummary, th config.Thresholds) (*MissingResult, error) {
	active, err := s.store.ListVessels(ctx, storage.VesselFilter{
		Source:   run.Source,
		Statuses: []models.VesselStatus{models.VesselActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list active vessels: %w", err)
	}

	res := &MissingResult{}
	var missing []models.Vessel
	for _, v := range active {
		if !seen[v.SourceID] {
			missing = append(missing, v)
			res.Candidates = append(res.Candidates, v.SourceID)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}

	if !health.IsHealthy {
		res.Blocked = true
		metrics.CircuitBreakerBlocks.WithLabelValues(run.Source, "removal").Inc()
		s.logger.Warn("removal blocked by circuit breaker",
			zap.String("source", run.Source),
			zap.String("run_id", run.ID.String()),
			zap.Int("candidates", len(missing)),
			zap.Float64("health_score", health.Score),
		)
		return res, nil
	}

	threshold := th.MaxConsecutiveMissesForRemoved
	if threshold <= 0 {
		threshold = config.DefaultThresholds().MaxConsecutiveMissesForRemoved
	}
	now := s.Now()

	for _, v := range missing {
		misses := v.ConsecutiveMisses
		alreadyCounted := v.LastMissRunID != nil && *v.LastMissRunID == run.ID
		if !alreadyCounted {
			misses++
		}

		if run.Mode != models.ModeAuthoritative {
			if misses >= threshold {
				res.WouldRemove = append(res.WouldRemove, v.SourceID)
			}
			continue
		}

		if !alreadyCounted {
			if _, err := s.store.RecordMiss(ctx, v.Source, v.SourceID, misses, run.ID, now); err != nil {
				return nil, fmt.Errorf("record miss %s: %w", v.SourceID, err)
			}
		}
		if misses < threshold {
			continue
		}

		ev := &models.DiffEvent{
			ID:        uuid.New(),
			RunID:     run.ID,
			Source:    run.Source,
			SourceID:  v.SourceID,
			EventType: models.EventRemoved,
			Payload:   models.DiffPayload{OldPrice: v.Price, Misses: misses},
			CreatedAt: now,
		}
		if err := s.store.UpsertDiffEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("upsert removed event %s: %w", v.SourceID, err)
		}
		res.Removed = append(res.Removed, v.SourceID)
	}

	return res, nil
}

// RecordRun folds a finished run into the source's rolling health state.
func (s *HealthService) RecordRun(ctx context.Context, run *models.Run, health *models.HealthSummary, removalBlocked bool, window int) (*models.SourceHealth, error) {
	h, err := s.store.GetSourceHealth(ctx, run.Source)
	if errors.Is(err, storage.ErrNotFound) {
		h = &models.SourceHealth{Source: run.Source}
	} else if err != nil {
		return nil, fmt.Errorf("load source health: %w", err)
	}

	if window <= 0 {
		window = 20
	}
	staged, removed, err := s.trailing(ctx, run.Source, window)
	if err != nil {
		return nil, err
	}
	h.StagedMedian = quantile(staged, 0.5)
	h.StagedP95 = quantile(staged, 0.95)
	h.RemovedMedian = quantile(removed, 0.5)
	h.RemovedP95 = quantile(removed, 0.95)

	h.LastRunStatus = run.Status
	finished := run.StartedAt
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	h.LastRunAt = &finished

	healthy := run.Status == models.RunStatusSuccess
	if health != nil {
		h.LastHealthScore = health.Score
		healthy = healthy && health.IsHealthy
		metrics.HealthScore.WithLabelValues(run.Source, string(run.RunType)).Set(health.Score)
	}
	h.LastHealthy = healthy
	if healthy {
		h.ConsecutiveHealthy++
		h.ConsecutiveUnhealthy = 0
	} else {
		h.ConsecutiveUnhealthy++
		h.ConsecutiveHealthy = 0
	}

	if run.RunType == models.RunTypeReconcile {
		if removalBlocked {
			h.ConsecutiveMissCandidateRuns++
		} else if healthy {
			h.ConsecutiveMissCandidateRuns = 0
		}
	}

	h.UpdatedAt = s.Now()
	if err := s.store.SaveSourceHealth(ctx, h); err != nil {
		return nil, fmt.Errorf("save source health: %w", err)
	}
	return h, nil
}

// trailing returns staged and removed counts of the last window successful
// list runs, each sorted ascending.
func (s *HealthService) trailing(ctx context.Context, source string, window int) ([]float64, []float64, error) {
	runs, err := s.store.RecentRuns(ctx, storage.RunFilter{Source: source, FinishedOnly: true, Limit: window * 3})
	if err != nil {
		return nil, nil, fmt.Errorf("recent runs: %w", err)
	}

	var staged, removed []float64
	for _, r := range runs {
		if r.RunType == models.RunTypeDetailWorker || r.Status != models.RunStatusSuccess {
			continue
		}
		staged = append(staged, float64(r.Counters.StagedRows))
		removed = append(removed, float64(r.Counters.Events[string(models.EventRemoved)]))
		if len(staged) == window {
			break
		}
	}
	sort.Float64s(staged)
	sort.Float64s(removed)
	return staged, removed, nil
}
