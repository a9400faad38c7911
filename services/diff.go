package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/identity"
	"vessel_ingest/metrics"
	"vessel_ingest/models"
	"vessel_ingest/storage"
)

// DiffService classifies a run's staged rows against canonical vessels.
type DiffService struct {
	store  storage.Store
	logger *zap.Logger
	Now    func() time.Time
}

func NewDiffService(store storage.Store, logger *zap.Logger) *DiffService {
	return &DiffService{store: store, logger: logger, Now: time.Now}
}

type stagedCandidate struct {
	row    models.ListingRow
	vessel *models.VesselPayload
}

// ComputeDiff upserts one event per staged source_id and returns the run's
// full event set ordered by source_id. Calling it again for the same run
// yields the same events.
func (s *DiffService) ComputeDiff(ctx context.Context, runID uuid.UUID, source string, runType models.RunType) ([]models.DiffEvent, error) {
	candidates, err := s.staged(ctx, runID, source, runType)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	for _, c := range candidates {
		canonical, err := s.store.GetVessel(ctx, source, c.row.SourceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load vessel %s: %w", c.row.SourceID, err)
		}

		kind, payload := Classify(canonical, c.row)
		payload.Vessel = c.vessel
		if c.vessel == nil {
			row := c.row
			payload.Listing = &row
		}

		ev := &models.DiffEvent{
			ID:        uuid.New(),
			RunID:     runID,
			Source:    source,
			SourceID:  c.row.SourceID,
			EventType: kind,
			Payload:   payload,
			CreatedAt: now,
		}
		if err := s.store.UpsertDiffEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("upsert event %s: %w", c.row.SourceID, err)
		}
	}

	events, err := s.store.DiffEvents(ctx, runID, source)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, ev := range events {
		metrics.DiffEventsTotal.WithLabelValues(source, string(ev.EventType)).Inc()
	}
	s.logger.Debug("diff computed",
		zap.String("source", source),
		zap.String("run_id", runID.String()),
		zap.Int("staged", len(candidates)),
		zap.Int("events", len(events)),
	)
	return events, nil
}

func (s *DiffService) staged(ctx context.Context, runID uuid.UUID, source string, runType models.RunType) ([]stagedCandidate, error) {
	var out []stagedCandidate
	if runType == models.RunTypeDetailWorker {
		vessels, err := s.store.StagedVessels(ctx, runID, source)
		if err != nil {
			return nil, fmt.Errorf("read staged vessels: %w", err)
		}
		for i := range vessels {
			p := vessels[i].VesselPayload
			out = append(out, stagedCandidate{row: p.ListingRow, vessel: &p})
		}
	} else {
		rows, err := s.store.StagedListings(ctx, runID, source)
		if err != nil {
			return nil, fmt.Errorf("read staged listings: %w", err)
		}
		for _, r := range rows {
			out = append(out, stagedCandidate{row: r.ListingRow})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].row.SourceID < out[j].row.SourceID })
	return out, nil
}

// Classify decides the event kind for one staged row. A sale takes
// precedence over a price change.
func Classify(canonical *models.Vessel, row models.ListingRow) (models.EventType, models.DiffPayload) {
	var p models.DiffPayload
	if canonical == nil {
		p.NewPrice = row.Price
		return models.EventInserted, p
	}
	if canonical.Status == models.VesselRemoved {
		p.NewPrice = row.Price
		p.OldPrice = canonical.Price
		p.Relisted = true
		return models.EventInserted, p
	}

	if row.IsSold {
		if canonical.Status != models.VesselSold {
			p.OldPrice = canonical.Price
			p.NewPrice = row.Price
			return models.EventSold, p
		}
		// A sold vessel's asking price is no longer tracked.
		p.ChangedFields = descriptiveChanges(canonical, row)
		return models.EventUnchanged, p
	}

	if !samePrice(canonical.Price, row.Price) {
		p.OldPrice = canonical.Price
		p.NewPrice = row.Price
		return models.EventPriceChanged, p
	}

	p.ChangedFields = descriptiveChanges(canonical, row)
	return models.EventUnchanged, p
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func canonicalRow(v *models.Vessel) models.ListingRow {
	return models.ListingRow{
		Source:     v.Source,
		SourceID:   v.SourceID,
		Name:       v.Name,
		Type:       v.Type,
		Dimensions: v.Dimensions,
		Tonnage:    v.Tonnage,
		BuildYear:  v.BuildYear,
		Price:      v.Price,
		Currency:   v.Currency,
		URL:        v.URL,
		ImageURL:   v.ImageURL,
		IsSold:     v.Status == models.VesselSold,
	}
}

// descriptiveChanges lists non-price, non-status fields that differ.
func descriptiveChanges(v *models.Vessel, row models.ListingRow) []string {
	var out []string
	for _, f := range identity.ChangedFields(canonicalRow(v), row) {
		if f == "price" || f == "is_sold" {
			continue
		}
		out = append(out, f)
	}
	return out
}
