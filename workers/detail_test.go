package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vessel_ingest/httputil"
	"vessel_ingest/identity"
	"vessel_ingest/models"
	"vessel_ingest/services"
	"vessel_ingest/storage"
	"vessel_ingest/storage/storagetest"
)

const testSource = "harbor"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func listing(id string, price float64) models.ListingRow {
	r := models.ListingRow{
		Source: testSource, SourceID: id, Name: "Vessel " + id, Type: "tug", Dimensions: "24 x 8 m",
		Tonnage: f64(120), BuildYear: iptr(1998), Price: f64(price), Currency: "EUR",
		URL: "https://broker.example/v/" + id, ImageURL: "https://broker.example/v/" + id + ".jpg",
	}
	r.Fingerprint = identity.ListingFingerprint(r)
	return r
}

type fakeEnricher struct {
	mu       sync.Mutex
	errs     map[string]error
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeEnricher) Source() string { return testSource }

func (f *fakeEnricher) EnrichDetail(ctx context.Context, row models.ListingRow) (models.VesselPayload, models.DetailMetrics, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	err := f.errs[row.SourceID]
	f.mu.Unlock()
	if err != nil {
		return models.VesselPayload{}, models.DetailMetrics{ExternalRequests: 1}, err
	}
	detail, _ := json.Marshal(map[string]string{"engine": "Cat " + row.SourceID})
	return models.VesselPayload{
		ListingRow: row,
		Detail:     detail,
		Images:     []string{row.ImageURL},
	}, models.DetailMetrics{ExternalRequests: 1}, nil
}

type testContractErr struct{ msg string }

func (e *testContractErr) Error() string  { return e.msg }
func (e *testContractErr) Contract() bool { return true }

type workerFixture struct {
	store storage.Store
	queue *services.DetailQueue
	now   time.Time
}

func newWorkerFixture(t *testing.T, ids ...string) *workerFixture {
	t.Helper()
	f := &workerFixture{store: storagetest.New(t), now: t0}
	f.queue = services.NewDetailQueue(f.store, zap.NewNop(), 3)
	f.queue.Now = func() time.Time { return f.now }

	var rows []models.ListingRow
	for _, id := range ids {
		rows = append(rows, listing(id, 100))
	}
	_, err := f.queue.Enqueue(context.Background(), testSource, rows)
	require.NoError(t, err)
	return f
}

func (f *workerFixture) run(t *testing.T) *models.Run {
	t.Helper()
	run := &models.Run{
		ID: uuid.New(), Source: testSource, RunType: models.RunTypeDetailWorker,
		Mode: models.ModeAuthoritative, Status: models.RunStatusRunning, StartedAt: f.now,
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func TestDetailWorkerStagesAndSettles(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, "a", "b", "c", "d")
	enricher := &fakeEnricher{errs: map[string]error{
		"b": errors.New("connection reset"),
		"c": &httputil.StatusError{URL: "https://broker.example/v/c", Status: 410},
	}}

	w := NewDetailWorker(f.store, f.queue, "w1", zap.NewNop())
	jobs, err := f.queue.Claim(ctx, testSource, 10, w.Owner())
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	run := f.run(t)
	batch, err := w.Process(ctx, run.ID, enricher, jobs, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Staged)
	assert.Equal(t, 2, batch.Done)
	assert.Equal(t, 1, batch.Retried)
	assert.Equal(t, 1, batch.Dead)
	assert.Equal(t, 4, batch.ExternalRequests)
	assert.LessOrEqual(t, enricher.peak.Load(), int32(2))

	staged, err := f.store.StagedVessels(ctx, run.ID, testSource)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	for _, s := range staged {
		assert.NotEmpty(t, s.CanonicalFingerprint)
		assert.Equal(t, identity.PayloadFingerprint(s.VesselPayload), s.CanonicalFingerprint)
	}

	stats, err := f.queue.Stats(ctx, testSource)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Done)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Dead)
}

func TestDetailWorkerContractViolationStagesNothing(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, "a", "b")
	enricher := &fakeEnricher{}

	w := NewDetailWorker(f.store, f.queue, "w1", zap.NewNop())
	w.Validate = func(source string, want models.ListingRow, p models.VesselPayload, m models.DetailMetrics) error {
		if want.SourceID == "b" {
			return &testContractErr{msg: "payload: Price failed required"}
		}
		return nil
	}

	jobs, err := f.queue.Claim(ctx, testSource, 10, w.Owner())
	require.NoError(t, err)
	run := f.run(t)
	batch, err := w.Process(ctx, run.ID, enricher, jobs, 4)
	require.Error(t, err)
	assert.True(t, isContractError(err))
	assert.Equal(t, 0, batch.Staged)

	staged, err := f.store.StagedVessels(ctx, run.ID, testSource)
	require.NoError(t, err)
	assert.Empty(t, staged)

	a, err := f.store.ActiveJob(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, a.Status)
	assert.Equal(t, 0, a.AttemptCount)

	b, err := f.store.ActiveJob(ctx, testSource, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.AttemptCount)
	assert.Contains(t, b.LastError, "Price failed required")
}

func TestReclaimerReturnsExpiredJobs(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, "a")

	_, err := f.queue.Claim(ctx, testSource, 1, "crashed")
	require.NoError(t, err)

	r := NewReclaimer(f.queue, map[string]time.Duration{testSource: 10 * time.Minute}, zap.NewNop())
	assert.Equal(t, 0, r.RunOnce(ctx))

	f.now = f.now.Add(11 * time.Minute)
	assert.Equal(t, 1, r.RunOnce(ctx))

	job, err := f.store.ActiveJob(ctx, testSource, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
}
