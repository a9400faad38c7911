package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel_ingest/models"
	"vessel_ingest/storage"
	"vessel_ingest/storage/storagetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func newRun(t *testing.T, store storage.Store, source string) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:        uuid.New(),
		Source:    source,
		RunType:   models.RunTypeDetect,
		Mode:      models.ModeAuthoritative,
		Status:    models.RunStatusRunning,
		StartedAt: t0,
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

func row(source, id string, price float64) models.ListingRow {
	return models.ListingRow{
		Source: source, SourceID: id, Name: "Vessel " + id, Type: "tug", Dimensions: "20 x 6 m",
		Tonnage: f64(90), BuildYear: iptr(2001), Price: f64(price), URL: "https://x/" + id,
		ImageURL: "https://x/" + id + ".jpg", Fingerprint: "fp-" + id,
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	run := newRun(t, store, "harbor")

	finished := t0.Add(90 * time.Second)
	run.Status = models.RunStatusSuccess
	run.FinishedAt = &finished
	run.Counters.StagedRows = 12
	run.Counters.AddEvent(models.EventInserted)
	run.Metadata = models.RunMetadata{ApplyBlocked: true}.ToJSON()
	require.NoError(t, store.FinishRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 12, got.Counters.StagedRows)
	assert.Equal(t, 1, got.Counters.Events["inserted"])
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
	assert.JSONEq(t, `{"apply_blocked":true}`, string(got.Metadata))

	// A finished run is immutable.
	run.Status = models.RunStatusError
	assert.ErrorIs(t, store.FinishRun(ctx, run), storage.ErrRunFinalized)

	_, err = store.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStagingLastRowWins(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	run := newRun(t, store, "harbor")

	rows := []models.ListingRow{row("harbor", "b", 10), row("harbor", "a", 20), row("harbor", "b", 30)}
	require.NoError(t, store.InsertListingRows(ctx, run.ID, rows, t0))

	staged, err := store.StagedListings(ctx, run.ID, "harbor")
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, "a", staged[0].SourceID)
	assert.Equal(t, "b", staged[1].SourceID)
	assert.Equal(t, 30.0, *staged[1].Price)
}

func TestDiffEventUpsertKeepsAppliedEvents(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	run := newRun(t, store, "harbor")

	ev := &models.DiffEvent{ID: uuid.New(), RunID: run.ID, Source: "harbor", SourceID: "v1",
		EventType: models.EventInserted, CreatedAt: t0}
	require.NoError(t, store.UpsertDiffEvent(ctx, ev))

	again := *ev
	again.ID = uuid.New()
	again.EventType = models.EventPriceChanged
	require.NoError(t, store.UpsertDiffEvent(ctx, &again))

	events, err := store.DiffEvents(ctx, run.ID, "harbor")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, models.EventPriceChanged, events[0].EventType)

	ok, err := store.MarkEventApplied(ctx, ev.ID, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkEventApplied(ctx, ev.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	again.EventType = models.EventUnchanged
	require.NoError(t, store.UpsertDiffEvent(ctx, &again))
	events, err = store.DiffEvents(ctx, run.ID, "harbor")
	require.NoError(t, err)
	assert.Equal(t, models.EventPriceChanged, events[0].EventType)
}

func TestVesselRoundTripAndMisses(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	run := newRun(t, store, "harbor")

	v := &models.Vessel{Source: "harbor", SourceID: "v1", Status: models.VesselActive,
		FirstSeenAt: t0, LastSeenAt: t0, UpdatedAt: t0, Images: []string{"a.jpg"}}
	v.ApplyListing(row("harbor", "v1", 100))
	require.NoError(t, store.UpsertVessel(ctx, v))

	got, err := store.GetVessel(ctx, "harbor", "v1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, *got.Price)
	assert.Equal(t, 2001, *got.BuildYear)
	assert.Equal(t, []string{"a.jpg"}, got.Images)
	assert.Nil(t, got.LastMissRunID)

	counted, err := store.RecordMiss(ctx, "harbor", "v1", 1, run.ID, t0)
	require.NoError(t, err)
	assert.True(t, counted)
	counted, err = store.RecordMiss(ctx, "harbor", "v1", 2, run.ID, t0)
	require.NoError(t, err)
	assert.False(t, counted, "a run counts a miss once")

	got, err = store.GetVessel(ctx, "harbor", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveMisses)
	require.NotNil(t, got.LastMissRunID)
	assert.Equal(t, run.ID, *got.LastMissRunID)

	_, err = store.GetVessel(ctx, "harbor", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryAndOutboxAreUnique(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	runID := uuid.New()

	ph := &models.PriceHistory{RunID: runID, Source: "harbor", SourceID: "v1", OldPrice: f64(1), NewPrice: f64(2), RecordedAt: t0}
	ok, err := store.AppendPriceHistory(ctx, ph)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.AppendPriceHistory(ctx, ph)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := &models.NotificationOutboxEntry{ID: uuid.New(), RunID: runID, Source: "harbor", SourceID: "v1",
		EventID: uuid.New(), EventType: models.EventSold, Status: models.OutboxPending, CreatedAt: t0}
	ok, err = store.InsertOutbox(ctx, entry)
	require.NoError(t, err)
	assert.True(t, ok)
	dup := *entry
	dup.ID = uuid.New()
	ok, err = store.InsertOutbox(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkOutboxFailed(ctx, []uuid.UUID{entry.ID}, "provider down"))
	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Equal(t, "provider down", pending[0].LastError)

	require.NoError(t, store.MarkOutboxSent(ctx, []uuid.UUID{entry.ID}, t0))
	stats, err := store.OutboxStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Sent)
	assert.Nil(t, stats.OldestPendingAt)
}

func insertJobs(t *testing.T, store storage.Store, source string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		j := &models.DetailQueueJob{
			ID: uuid.New(), Source: source, SourceID: fmt.Sprintf("v%03d", i),
			Listing: row(source, fmt.Sprintf("v%03d", i), 1), Fingerprint: "fp",
			Status: models.JobPending, MaxAttempts: 3, NextAttemptAt: t0,
			CreatedAt: t0.Add(time.Duration(i) * time.Second), UpdatedAt: t0,
		}
		require.NoError(t, store.InsertJob(context.Background(), j))
	}
}

func TestClaimJobsExclusive(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	insertJobs(t, store, "harbor", 40)
	insertJobs(t, store, "other", 5)

	var mu sync.Mutex
	seen := map[uuid.UUID]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := store.ClaimJobs(ctx, "harbor", 3, owner, t0.Add(time.Minute))
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					prev, dup := seen[j.ID]
					assert.False(t, dup, "job %s claimed by %s and %s", j.ID, prev, owner)
					seen[j.ID] = owner
					assert.Equal(t, owner, j.LockedBy)
					assert.Equal(t, models.JobProcessing, j.Status)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 40)

	stats, err := store.QueueStats(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Pending)
}

func TestClaimRespectsNextAttempt(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	insertJobs(t, store, "harbor", 2)

	jobs, err := store.ClaimJobs(ctx, "harbor", 10, "w", t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = store.ClaimJobs(ctx, "harbor", 10, "w", t0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "v000", jobs[0].SourceID)
}

func TestReleaseJobRequiresLease(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)
	insertJobs(t, store, "harbor", 1)

	jobs, err := store.ClaimJobs(ctx, "harbor", 1, "w1", t0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := jobs[0]
	j.Status = models.JobDone
	j.LockedAt = nil
	j.LockedBy = ""
	assert.ErrorIs(t, store.ReleaseJob(ctx, &j, "w2"), storage.ErrLeaseLost)
	require.NoError(t, store.ReleaseJob(ctx, &j, "w1"))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, got.Status)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	err := store.InTx(ctx, func(tx storage.Store) error {
		v := &models.Vessel{Source: "harbor", SourceID: "v1", Status: models.VesselActive,
			FirstSeenAt: t0, LastSeenAt: t0, UpdatedAt: t0}
		if err := tx.UpsertVessel(ctx, v); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = store.GetVessel(ctx, "harbor", "v1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAlertsAndCommands(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New(t)

	a := &models.Alert{ID: uuid.New(), Source: "harbor", Kind: models.AlertCountDrop, Status: models.AlertOpen,
		Message: "dropped", Occurrences: 1, FirstSeenAt: t0, LastSeenAt: t0}
	require.NoError(t, store.SaveAlert(ctx, a))

	open, err := store.GetOpenAlert(ctx, "harbor", models.AlertCountDrop)
	require.NoError(t, err)
	assert.Equal(t, a.ID, open.ID)

	now := t0.Add(time.Hour)
	open.Status = models.AlertResolved
	open.ResolvedAt = &now
	require.NoError(t, store.SaveAlert(ctx, open))
	_, err = store.GetOpenAlert(ctx, "harbor", models.AlertCountDrop)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cmd := &models.Command{Command: models.CmdPause, CreatedAt: t0}
	require.NoError(t, store.CreateCommand(ctx, cmd))
	assert.NotZero(t, cmd.ID)
	pending, err := store.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, store.MarkCommandProcessed(ctx, cmd.ID, now))
	pending, err = store.PendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", storage.BindForTest("a = ? AND b IN (?, ?)"))
}
