package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel_ingest/identity"
	"vessel_ingest/models"
	"vessel_ingest/storage"
)

func TestApplyInsertCreatesVesselAndOutbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run, _ := f.ingest(t, models.RunTypeDetect, listing("a", 100000))

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.VesselActive, v.Status)
	assert.Equal(t, 100000.0, *v.Price)
	assert.Equal(t, listing("a", 100000).Fingerprint, v.ListingFingerprint)
	require.NotNil(t, v.LastRunID)
	assert.Equal(t, run.ID, *v.LastRunID)

	entries, err := f.store.ListOutbox(ctx, storage.OutboxFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EventInserted, entries[0].EventType)

	var payload OutboxPayload
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "a", payload.Vessel.SourceID)

	acts, err := f.store.Activities(ctx, testSource, "a")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActivityInserted, acts[0].Action)
}

func TestApplyTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	run := f.startRun(t, models.RunTypeDetect, models.ModeAuthoritative)
	require.NoError(t, f.store.InsertListingRows(ctx, run.ID, []models.ListingRow{listing("a", 80)}, t0))
	_, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)

	first, err := f.apply.ApplyDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, first.Counts[models.EventPriceChanged])

	second, err := f.apply.ApplyDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 1, second.Skipped)

	hist, err := f.store.PriceHistory(ctx, testSource, "a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 100.0, *hist[0].OldPrice)
	assert.Equal(t, 80.0, *hist[0].NewPrice)

	entries, err := f.store.ListOutbox(ctx, storage.OutboxFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplySold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	f.clock.Advance(time.Hour)
	r := listing("a", 100)
	r.IsSold = true
	_, events := f.ingest(t, models.RunTypeDetect, r)
	assert.Equal(t, models.EventSold, events[0].EventType)

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.VesselSold, v.Status)
	require.NotNil(t, v.SoldAt)
	assert.True(t, f.clock.Now().Equal(*v.SoldAt))

	// Sold is terminal for sale detection; the next sold row is unchanged.
	_, events = f.ingest(t, models.RunTypeDetect, r)
	assert.Equal(t, models.EventUnchanged, events[0].EventType)
}

func TestApplySoldVesselIgnoresPriceMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100000))

	sold := listing("a", 100000)
	sold.IsSold = true
	sold.Fingerprint = identity.ListingFingerprint(sold)
	f.ingest(t, models.RunTypeDetect, sold)

	cut := listing("a", 90000)
	cut.IsSold = true
	cut.Fingerprint = identity.ListingFingerprint(cut)
	run, events := f.ingest(t, models.RunTypeDetect, cut)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnchanged, events[0].EventType)

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.VesselSold, v.Status)
	assert.Equal(t, 100000.0, *v.Price)
	assert.Equal(t, cut.Fingerprint, v.ListingFingerprint)

	hist, err := f.store.PriceHistory(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Empty(t, hist)

	entries, err := f.store.ListOutbox(ctx, storage.OutboxFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplySoldRefreshesListingFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	r := listing("a", 100)
	r.IsSold = true
	r.Fingerprint = identity.ListingFingerprint(r)
	f.ingest(t, models.RunTypeDetect, r)

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.VesselSold, v.Status)
	assert.Equal(t, r.Fingerprint, v.ListingFingerprint)

	n, err := f.queue.EnqueueChanged(ctx, testSource, []models.ListingRow{r})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyUnchangedRefreshesDescriptiveFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	r := listing("a", 100)
	r.Name = "Renamed"
	run, events := f.ingest(t, models.RunTypeDetect, r)
	assert.Equal(t, models.EventUnchanged, events[0].EventType)

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", v.Name)
	assert.Equal(t, models.VesselActive, v.Status)

	entries, err := f.store.ListOutbox(ctx, storage.OutboxFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyEnrichmentMergesDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	payload := models.VesselPayload{
		ListingRow:           listing("a", 100),
		Detail:               json.RawMessage(`{"engine":"Cat 3412"}`),
		Images:               []string{"https://broker.example/a/1.jpg"},
		CanonicalFingerprint: "canon-a",
	}
	apply := func() *ApplyResult {
		run := f.startRun(t, models.RunTypeDetailWorker, models.ModeAuthoritative)
		require.NoError(t, f.store.InsertVesselPayloads(ctx, run.ID, []models.VesselPayload{payload}, t0))
		_, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetailWorker)
		require.NoError(t, err)
		res, err := f.apply.ApplyDiff(ctx, run.ID, testSource, models.RunTypeDetailWorker)
		require.NoError(t, err)
		return res
	}
	apply()

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"engine":"Cat 3412"}`, string(v.Detail))
	assert.Equal(t, []string{"https://broker.example/a/1.jpg"}, v.Images)
	assert.Equal(t, "canon-a", v.CanonicalFingerprint)

	apply()
	acts, err := f.store.Activities(ctx, testSource, "a")
	require.NoError(t, err)
	var enriched int
	for _, a := range acts {
		if a.Action == models.ActivityEnriched {
			enriched++
		}
	}
	assert.Equal(t, 1, enriched)
}

func TestApplyRelistsRemovedVessel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	v, err := f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	v.Status = models.VesselRemoved
	v.RemovedAt = &t0
	require.NoError(t, f.store.UpsertVessel(ctx, v))

	_, events := f.ingest(t, models.RunTypeDetect, listing("a", 100))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInserted, events[0].EventType)
	assert.True(t, events[0].Payload.Relisted)

	v, err = f.store.GetVessel(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.VesselActive, v.Status)
	assert.Nil(t, v.RemovedAt)

	acts, err := f.store.Activities(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ActivityRelisted, acts[len(acts)-1].Action)
}
