package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/metrics"
	"vessel_ingest/models"
	"vessel_ingest/storage"
)

// AlertSink receives an alert the first time it is raised.
type AlertSink interface {
	Alert(ctx context.Context, a models.Alert) error
}

// AlertService evaluates operator alert rules for a source. Each rule keeps
// at most one open alert; repeats bump its occurrence count and a clear
// evaluation resolves it.
type AlertService struct {
	store  storage.Store
	logger *zap.Logger
	sink   AlertSink
	Now    func() time.Time
}

func NewAlertService(store storage.Store, logger *zap.Logger, sink AlertSink) *AlertService {
	return &AlertService{store: store, logger: logger, sink: sink, Now: time.Now}
}

type alertCheck struct {
	kind      models.AlertKind
	firing    bool
	value     float64
	threshold float64
	message   string
}

// Evaluate runs every rule for source and returns the alerts left open.
func (s *AlertService) Evaluate(ctx context.Context, source string, th config.AlertThresholds) ([]models.Alert, error) {
	checks, err := s.checks(ctx, source, th)
	if err != nil {
		return nil, err
	}

	var open []models.Alert
	for _, c := range checks {
		a, err := s.apply(ctx, source, c)
		if err != nil {
			return open, fmt.Errorf("%s: %w", c.kind, err)
		}
		if a != nil {
			open = append(open, *a)
		}
	}
	return open, nil
}

func (s *AlertService) checks(ctx context.Context, source string, th config.AlertThresholds) ([]alertCheck, error) {
	now := s.Now()
	var out []alertCheck

	runs, err := s.listRuns(ctx, source, th.MinHistory+20)
	if err != nil {
		return nil, err
	}

	if len(runs) > 0 {
		latest := runs[0]
		history := runs[1:]

		// count drop
		drop := alertCheck{kind: models.AlertCountDrop}
		if len(history) >= th.MinHistory && len(history) > 0 {
			var staged []float64
			for _, r := range history {
				staged = append(staged, float64(r.Counters.StagedRows))
			}
			sort.Float64s(staged)
			median := quantile(staged, 0.5)
			floor := median * (1 - th.CountDropRatio)
			drop.value = float64(latest.Counters.StagedRows)
			drop.threshold = floor
			drop.firing = median > 0 && drop.value < floor
			drop.message = fmt.Sprintf("staged %d rows, trailing median %.0f", latest.Counters.StagedRows, median)
		}
		out = append(out, drop)

		// parse fail ratio
		ratio := ParseFailRatio(latest.Counters.ParseFailures, latest.Counters.StagedRows)
		var meta models.RunMetadata
		if len(latest.Metadata) > 0 && json.Unmarshal(latest.Metadata, &meta) == nil && meta.Health != nil {
			ratio = meta.Health.ParseFailRatio
		}
		out = append(out, alertCheck{
			kind:      models.AlertParseFailRatio,
			firing:    ratio > th.ParseFailRatio,
			value:     ratio,
			threshold: th.ParseFailRatio,
			message:   fmt.Sprintf("parse fail ratio %.2f", ratio),
		})

		// removal burst
		var removed []float64
		for _, r := range history {
			removed = append(removed, float64(r.Counters.Events[string(models.EventRemoved)]))
		}
		sort.Float64s(removed)
		limit := th.RemovalBurstFactor * quantile(removed, 0.95)
		if limit < float64(th.RemovalBurstMin) {
			limit = float64(th.RemovalBurstMin)
		}
		n := float64(latest.Counters.Events[string(models.EventRemoved)])
		out = append(out, alertCheck{
			kind:      models.AlertRemovalBurst,
			firing:    n > limit,
			value:     n,
			threshold: limit,
			message:   fmt.Sprintf("%d vessels removed in one run", int(n)),
		})
	}

	qs, err := s.store.QueueStats(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	qAge := qs.OldestAge(now)
	out = append(out, alertCheck{
		kind:      models.AlertQueueBacklogAge,
		firing:    th.MaxQueueAge > 0 && qAge > th.MaxQueueAge,
		value:     qAge.Seconds(),
		threshold: th.MaxQueueAge.Seconds(),
		message:   fmt.Sprintf("oldest pending detail job is %s old", qAge.Round(time.Second)),
	})

	ob, err := s.store.OutboxStats(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	var oAge time.Duration
	if ob.OldestPendingAt != nil {
		oAge = now.Sub(*ob.OldestPendingAt)
	}
	out = append(out, alertCheck{
		kind:      models.AlertNotificationLatency,
		firing:    th.MaxOutboxAge > 0 && oAge > th.MaxOutboxAge,
		value:     oAge.Seconds(),
		threshold: th.MaxOutboxAge.Seconds(),
		message:   fmt.Sprintf("oldest pending notification is %s old", oAge.Round(time.Second)),
	})

	return out, nil
}

// listRuns returns successful detect and reconcile runs, newest first.
func (s *AlertService) listRuns(ctx context.Context, source string, limit int) ([]models.Run, error) {
	runs, err := s.store.RecentRuns(ctx, storage.RunFilter{Source: source, FinishedOnly: true, Limit: limit * 3})
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	var out []models.Run
	for _, r := range runs {
		if r.RunType == models.RunTypeDetailWorker || r.Status != models.RunStatusSuccess {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *AlertService) apply(ctx context.Context, source string, c alertCheck) (*models.Alert, error) {
	now := s.Now()
	existing, err := s.store.GetOpenAlert(ctx, source, c.kind)
	if errors.Is(err, storage.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return nil, err
	}

	if !c.firing {
		if existing == nil {
			return nil, nil
		}
		existing.Status = models.AlertResolved
		existing.ResolvedAt = &now
		if err := s.store.SaveAlert(ctx, existing); err != nil {
			return nil, err
		}
		s.logger.Info("alert resolved",
			zap.String("source", source),
			zap.String("kind", string(c.kind)),
			zap.Int("occurrences", existing.Occurrences),
		)
		return nil, nil
	}

	if existing != nil {
		existing.Occurrences++
		existing.LastSeenAt = now
		existing.Value = c.value
		existing.Threshold = c.threshold
		existing.Message = c.message
		return existing, s.store.SaveAlert(ctx, existing)
	}

	a := &models.Alert{
		ID:          uuid.New(),
		Source:      source,
		Kind:        c.kind,
		Status:      models.AlertOpen,
		Message:     c.message,
		Value:       c.value,
		Threshold:   c.threshold,
		Occurrences: 1,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := s.store.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	metrics.AlertsRaised.WithLabelValues(source, string(c.kind)).Inc()
	s.logger.Warn("alert raised",
		zap.String("source", source),
		zap.String("kind", string(c.kind)),
		zap.String("message", c.message),
		zap.Float64("value", c.value),
		zap.Float64("threshold", c.threshold),
	)
	if s.sink != nil {
		if err := s.sink.Alert(ctx, *a); err != nil {
			s.logger.Error("alert sink failed", zap.String("kind", string(c.kind)), zap.Error(err))
		}
	}
	return a, nil
}
