package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/models"
	"vessel_ingest/storage"
)

var errAlreadyApplied = errors.New("event already applied")

// ApplyService materializes diff events into canonical state.
type ApplyService struct {
	store  storage.Store
	logger *zap.Logger
	Now    func() time.Time
}

func NewApplyService(store storage.Store, logger *zap.Logger) *ApplyService {
	return &ApplyService{store: store, logger: logger, Now: time.Now}
}

// ApplyResult counts applied events per kind.
type ApplyResult struct {
	Counts  map[models.EventType]int
	Applied int
	Skipped int
}

func (r *ApplyResult) Summary() map[string]int {
	out := make(map[string]int, len(r.Counts))
	for k, v := range r.Counts {
		out[string(k)] = v
	}
	return out
}

// OutboxPayload is what a notification entry carries.
type OutboxPayload struct {
	EventType models.EventType `json:"event_type"`
	Vessel    models.Vessel    `json:"vessel"`
	OldPrice  *float64         `json:"old_price,omitempty"`
	NewPrice  *float64         `json:"new_price,omitempty"`
	Relisted  bool             `json:"relisted,omitempty"`
}

// ApplyDiff applies every unapplied event of the run. Each event commits
// in its own transaction together with its history rows, its outbox entry
// and its applied mark, so re-applying a run changes nothing.
func (s *ApplyService) ApplyDiff(ctx context.Context, runID uuid.UUID, source string, runType models.RunType) (*ApplyResult, error) {
	events, err := s.store.DiffEvents(ctx, runID, source)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	res := &ApplyResult{Counts: make(map[models.EventType]int)}
	for i := range events {
		ev := events[i]
		if ev.AppliedAt != nil {
			res.Skipped++
			continue
		}

		err := s.store.InTx(ctx, func(tx storage.Store) error {
			return s.applyOne(ctx, tx, &ev)
		})
		if errors.Is(err, errAlreadyApplied) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("apply %s %s: %w", ev.EventType, ev.SourceID, err)
		}
		res.Applied++
		res.Counts[ev.EventType]++
	}

	s.logger.Info("diff applied",
		zap.String("source", source),
		zap.String("run_id", runID.String()),
		zap.String("run_type", string(runType)),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (s *ApplyService) applyOne(ctx context.Context, tx storage.Store, ev *models.DiffEvent) error {
	now := s.Now()

	marked, err := tx.MarkEventApplied(ctx, ev.ID, now)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	if !marked {
		return errAlreadyApplied
	}

	v, err := tx.GetVessel(ctx, ev.Source, ev.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		v = nil
	} else if err != nil {
		return fmt.Errorf("load vessel: %w", err)
	}

	row := ev.Payload.Row()
	kind := ev.EventType
	if v == nil && kind != models.EventRemoved {
		// A canonical row vanishing between diff and apply is treated as new.
		kind = models.EventInserted
	}

	var action models.ActivityAction
	switch kind {
	case models.EventInserted:
		if row == nil {
			return fmt.Errorf("inserted event without listing")
		}
		action = models.ActivityInserted
		if v == nil {
			v = &models.Vessel{Source: ev.Source, SourceID: ev.SourceID, FirstSeenAt: now}
		} else {
			action = models.ActivityRelisted
		}
		v.ApplyListing(*row)
		v.Status = models.VesselActive
		v.RemovedAt = nil
		if row.IsSold {
			v.Status = models.VesselSold
			v.SoldAt = &now
		}
		mergeEnrichment(v, ev.Payload.Vessel)

	case models.EventPriceChanged:
		if row == nil {
			return fmt.Errorf("price_changed event without listing")
		}
		action = models.ActivityPriceChanged
		oldPrice := v.Price
		v.ApplyListing(*row)
		mergeEnrichment(v, ev.Payload.Vessel)
		if _, err := tx.AppendPriceHistory(ctx, &models.PriceHistory{
			RunID:      ev.RunID,
			Source:     ev.Source,
			SourceID:   ev.SourceID,
			OldPrice:   oldPrice,
			NewPrice:   row.Price,
			Currency:   row.Currency,
			RecordedAt: now,
		}); err != nil {
			return fmt.Errorf("append price history: %w", err)
		}

	case models.EventSold:
		action = models.ActivitySold
		if row != nil {
			refreshListing(v, *row)
		}
		v.Status = models.VesselSold
		v.SoldAt = &now
		mergeEnrichment(v, ev.Payload.Vessel)

	case models.EventUnchanged:
		if row != nil {
			refreshListing(v, *row)
		}
		if mergeEnrichment(v, ev.Payload.Vessel) {
			action = models.ActivityEnriched
		}

	case models.EventRemoved:
		if v == nil {
			return nil
		}
		action = models.ActivityRemoved
		v.Status = models.VesselRemoved
		v.RemovedAt = &now

	default:
		return fmt.Errorf("unknown event type %q", ev.EventType)
	}

	if kind != models.EventRemoved {
		v.ConsecutiveMisses = 0
		v.LastSeenAt = now
	}
	v.UpdatedAt = now
	v.LastRunID = &ev.RunID

	if err := tx.UpsertVessel(ctx, v); err != nil {
		return fmt.Errorf("upsert vessel: %w", err)
	}

	if action != "" {
		details, _ := json.Marshal(map[string]any{
			"event_id":  ev.ID,
			"old_price": ev.Payload.OldPrice,
			"new_price": ev.Payload.NewPrice,
			"changed":   ev.Payload.ChangedFields,
		})
		if _, err := tx.AppendActivity(ctx, &models.Activity{
			RunID:     ev.RunID,
			Source:    ev.Source,
			SourceID:  ev.SourceID,
			Action:    action,
			Details:   details,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append activity: %w", err)
		}
	}

	if !kind.Notifies() {
		return nil
	}
	payload, err := json.Marshal(OutboxPayload{
		EventType: kind,
		Vessel:    *v,
		OldPrice:  ev.Payload.OldPrice,
		NewPrice:  ev.Payload.NewPrice,
		Relisted:  ev.Payload.Relisted,
	})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	if _, err := tx.InsertOutbox(ctx, &models.NotificationOutboxEntry{
		ID:        uuid.New(),
		RunID:     ev.RunID,
		Source:    ev.Source,
		SourceID:  ev.SourceID,
		EventID:   ev.ID,
		EventType: kind,
		Payload:   payload,
		Status:    models.OutboxPending,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// refreshListing copies descriptive fields and the listing fingerprint from
// row. Price moves only through price_changed events, so it is kept.
func refreshListing(v *models.Vessel, row models.ListingRow) {
	price, fp := v.Price, v.ListingFingerprint
	v.ApplyListing(row)
	v.Price = price
	if row.Fingerprint == "" {
		v.ListingFingerprint = fp
	}
}

// mergeEnrichment copies detail and images from an enriched payload. It
// reports false when the payload matches what is already canonical.
func mergeEnrichment(v *models.Vessel, p *models.VesselPayload) bool {
	if p == nil {
		return false
	}
	if p.CanonicalFingerprint != "" && p.CanonicalFingerprint == v.CanonicalFingerprint {
		return false
	}
	if len(p.Detail) > 0 {
		v.Detail = p.Detail
	}
	if p.Images != nil {
		v.Images = p.Images
	}
	v.CanonicalFingerprint = p.CanonicalFingerprint
	return true
}
