package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel_ingest/models"
)

func TestClassify(t *testing.T) {
	base := listing("a", 100000)
	active := &models.Vessel{Source: testSource, SourceID: "a", Status: models.VesselActive}
	active.ApplyListing(base)

	sold := *active
	sold.Status = models.VesselSold

	removed := *active
	removed.Status = models.VesselRemoved

	tests := []struct {
		name      string
		canonical *models.Vessel
		row       func() models.ListingRow
		want      models.EventType
	}{
		{"new vessel", nil, func() models.ListingRow { return base }, models.EventInserted},
		{"removed vessel comes back", &removed, func() models.ListingRow { return base }, models.EventInserted},
		{"price drop", active, func() models.ListingRow { r := base; r.Price = f64(90000); return r }, models.EventPriceChanged},
		{"price disappears", active, func() models.ListingRow { r := base; r.Price = nil; return r }, models.EventPriceChanged},
		{"sale beats price change", active, func() models.ListingRow {
			r := base
			r.IsSold = true
			r.Price = f64(1)
			return r
		}, models.EventSold},
		{"already sold", &sold, func() models.ListingRow { r := base; r.IsSold = true; return r }, models.EventUnchanged},
		{"already sold at a new price", &sold, func() models.ListingRow {
			r := base
			r.IsSold = true
			r.Price = f64(90000)
			return r
		}, models.EventUnchanged},
		{"identical", active, func() models.ListingRow { return base }, models.EventUnchanged},
		{"renamed", active, func() models.ListingRow { r := base; r.Name = "Renamed"; return r }, models.EventUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(tt.canonical, tt.row())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyPayload(t *testing.T) {
	base := listing("a", 100000)
	v := &models.Vessel{Source: testSource, SourceID: "a", Status: models.VesselActive}
	v.ApplyListing(base)

	r := base
	r.Price = f64(95000)
	_, p := Classify(v, r)
	assert.Equal(t, 100000.0, *p.OldPrice)
	assert.Equal(t, 95000.0, *p.NewPrice)

	r = base
	r.Name = "Renamed"
	r.Dimensions = "30 x 9 m"
	_, p = Classify(v, r)
	assert.Equal(t, []string{"name", "dimensions"}, p.ChangedFields)

	v.Status = models.VesselRemoved
	kind, p := Classify(v, base)
	assert.Equal(t, models.EventInserted, kind)
	assert.True(t, p.Relisted)
}

func TestComputeDiffIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100), listing("b", 200))

	run := f.startRun(t, models.RunTypeDetect, models.ModeAuthoritative)
	rows := []models.ListingRow{listing("a", 100), listing("b", 150), listing("c", 300)}
	require.NoError(t, f.store.InsertListingRows(ctx, run.ID, rows, t0))

	first, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)
	second, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)

	require.Len(t, first, 3)
	assert.Equal(t, eventKinds(first), eventKinds(second))
	assert.Equal(t, map[string]models.EventType{
		"a": models.EventUnchanged,
		"b": models.EventPriceChanged,
		"c": models.EventInserted,
	}, eventKinds(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestComputeDiffKeepsAppliedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run, _ := f.ingest(t, models.RunTypeDetect, listing("a", 100))

	// Once applied, the canonical row matches the staged row, but a rerun of
	// the diff must not rewrite the applied insert.
	events, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetect)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInserted, events[0].EventType)
	assert.NotNil(t, events[0].AppliedAt)
}

func TestComputeDiffDetailRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, models.RunTypeDetect, listing("a", 100))

	run := f.startRun(t, models.RunTypeDetailWorker, models.ModeAuthoritative)
	payload := models.VesselPayload{
		ListingRow:           listing("a", 100),
		Detail:               []byte(`{"engine":"Cat 3412"}`),
		Images:               []string{"https://broker.example/a/1.jpg"},
		CanonicalFingerprint: "canon-a",
	}
	require.NoError(t, f.store.InsertVesselPayloads(ctx, run.ID, []models.VesselPayload{payload}, t0))

	events, err := f.diff.ComputeDiff(ctx, run.ID, testSource, models.RunTypeDetailWorker)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnchanged, events[0].EventType)
	require.NotNil(t, events[0].Payload.Vessel)
	assert.Equal(t, "canon-a", events[0].Payload.Vessel.CanonicalFingerprint)
}
