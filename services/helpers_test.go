package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vessel_ingest/identity"
	"vessel_ingest/models"
	"vessel_ingest/storage"
	"vessel_ingest/storage/storagetest"
)

const testSource = "harbor"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

type fixture struct {
	store  storage.Store
	clock  *clock
	diff   *DiffService
	apply  *ApplyService
	health *HealthService
	queue  *DetailQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	logger := zap.NewNop()
	c := &clock{now: t0}

	f := &fixture{
		store:  store,
		clock:  c,
		diff:   NewDiffService(store, logger),
		apply:  NewApplyService(store, logger),
		health: NewHealthService(store, logger),
		queue:  NewDetailQueue(store, logger, 3),
	}
	f.diff.Now = c.Now
	f.apply.Now = c.Now
	f.health.Now = c.Now
	f.queue.Now = c.Now
	return f
}

func listing(id string, price float64) models.ListingRow {
	r := models.ListingRow{
		Source:     testSource,
		SourceID:   id,
		Name:       "Vessel " + id,
		Type:       "tug",
		Dimensions: "24 x 8 m",
		Tonnage:    f64(120),
		BuildYear:  iptr(1998),
		Price:      f64(price),
		Currency:   "EUR",
		URL:        "https://broker.example/v/" + id,
		ImageURL:   "https://broker.example/v/" + id + ".jpg",
	}
	r.Fingerprint = identity.ListingFingerprint(r)
	return r
}

func (f *fixture) startRun(t *testing.T, runType models.RunType, mode models.RunMode) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:        uuid.New(),
		Source:    testSource,
		RunType:   runType,
		Mode:      mode,
		Status:    models.RunStatusRunning,
		StartedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func (f *fixture) finishRun(t *testing.T, run *models.Run, staged int, events map[string]int) {
	t.Helper()
	at := f.clock.Now()
	run.Status = models.RunStatusSuccess
	run.FinishedAt = &at
	run.Counters.StagedRows = staged
	run.Counters.Events = events
	require.NoError(t, f.store.FinishRun(context.Background(), run))
}

// ingest stages rows for a fresh run, diffs and applies them.
func (f *fixture) ingest(t *testing.T, runType models.RunType, rows ...models.ListingRow) (*models.Run, []models.DiffEvent) {
	t.Helper()
	ctx := context.Background()
	run := f.startRun(t, runType, models.ModeAuthoritative)
	require.NoError(t, f.store.InsertListingRows(ctx, run.ID, rows, f.clock.Now()))
	events, err := f.diff.ComputeDiff(ctx, run.ID, testSource, runType)
	require.NoError(t, err)
	_, err = f.apply.ApplyDiff(ctx, run.ID, testSource, runType)
	require.NoError(t, err)
	return run, events
}

func eventKinds(events []models.DiffEvent) map[string]models.EventType {
	out := make(map[string]models.EventType, len(events))
	for _, e := range events {
		out[e.SourceID] = e.EventType
	}
	return out
}
