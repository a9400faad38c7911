package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/metrics"
	"vessel_ingest/notify"
	"vessel_ingest/services"
	"vessel_ingest/storage"
)

// Dispatcher drains the notification outbox into a provider.
type Dispatcher struct {
	store    storage.Store
	provider notify.Provider
	logger   *zap.Logger
	Now      func() time.Time
}

func NewDispatcher(store storage.Store, provider notify.Provider, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, provider: provider, logger: logger, Now: time.Now}
}

// DispatchResult counts entries by outcome. Unresolved entries point at
// vessels that no longer exist and are marked sent without a send.
type DispatchResult struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

type dispatchGroup struct {
	source     string
	vesselType string
	ids        []uuid.UUID
	changes    []notify.Change
}

// Dispatch sends up to limit pending entries, one provider call per
// (source, vessel type) group. Entries are marked sent only after their
// group is fully delivered; anything else leaves them pending with the
// reason recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	var res DispatchResult
	entries, err := d.store.PendingOutbox(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("load outbox: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	groups := make(map[string]*dispatchGroup)
	var unresolved []uuid.UUID
	for _, e := range entries {
		v, err := d.store.GetVessel(ctx, e.Source, e.SourceID)
		if errors.Is(err, storage.ErrNotFound) {
			unresolved = append(unresolved, e.ID)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("resolve %s/%s: %w", e.Source, e.SourceID, err)
		}

		var payload services.OutboxPayload
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				d.logger.Warn("undecodable outbox payload", zap.String("id", e.ID.String()), zap.Error(err))
			}
		}

		key := e.Source + "\x00" + v.Type
		g, ok := groups[key]
		if !ok {
			g = &dispatchGroup{source: e.Source, vesselType: v.Type}
			groups[key] = g
		}
		g.ids = append(g.ids, e.ID)
		g.changes = append(g.changes, notify.Change{
			OutboxID:  e.ID,
			EventType: e.EventType,
			Vessel:    *v,
			OldPrice:  payload.OldPrice,
			NewPrice:  payload.NewPrice,
			Relisted:  payload.Relisted,
		})
	}

	now := d.Now()
	if len(unresolved) > 0 {
		if err := d.store.MarkOutboxSent(ctx, unresolved, now); err != nil {
			return res, fmt.Errorf("mark unresolved: %w", err)
		}
		res.Unresolved = len(unresolved)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		g := groups[k]
		reason := d.send(ctx, g)
		if reason == "" {
			if err := d.store.MarkOutboxSent(ctx, g.ids, now); err != nil {
				return res, fmt.Errorf("mark sent: %w", err)
			}
			res.Sent += len(g.ids)
			metrics.OutboxDispatched.WithLabelValues(d.provider.Name(), "sent").Add(float64(len(g.ids)))
			continue
		}

		if err := d.store.MarkOutboxFailed(ctx, g.ids, reason); err != nil {
			return res, fmt.Errorf("mark failed: %w", err)
		}
		res.Failed += len(g.ids)
		metrics.OutboxDispatched.WithLabelValues(d.provider.Name(), "failed").Add(float64(len(g.ids)))
		d.logger.Warn("notification batch not delivered",
			zap.String("provider", d.provider.Name()),
			zap.String("source", g.source),
			zap.String("vessel_type", g.vesselType),
			zap.Int("entries", len(g.ids)),
			zap.String("reason", reason),
		)
	}

	d.logger.Info("outbox dispatched",
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("unresolved", res.Unresolved),
	)
	return res, nil
}

// send returns an empty string on full delivery, else the failure reason.
func (d *Dispatcher) send(ctx context.Context, g *dispatchGroup) string {
	batch := notify.NewBatch(g.source, g.vesselType, g.changes)
	sr, err := d.provider.Send(ctx, batch)
	switch {
	case sr.Blocked != "":
		return "blocked: " + sr.Blocked
	case err != nil:
		return err.Error()
	case !sr.OK(len(g.changes)):
		return fmt.Sprintf("provider reported %d of %d failed", len(g.changes)-sr.Sent, len(g.changes))
	}
	return ""
}
