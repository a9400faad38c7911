package identity

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel_ingest/models"
)

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func sampleRow() models.ListingRow {
	return models.ListingRow{
		Source:     "brokerx",
		SourceID:   "v1",
		Name:       "Northern Star",
		Type:       "tug",
		Dimensions: "24.5 x 8.2 m",
		Tonnage:    f64(180),
		BuildYear:  iptr(1998),
		Price:      f64(100000),
		Currency:   "EUR",
		URL:        "https://brokerx.example/v1",
		ImageURL:   "https://brokerx.example/v1.jpg",
	}
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"a": 1, "b": "two", "c": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{}
	b["c"] = map[string]any{"y": 2, "x": 1}
	b["b"] = "two"
	b["a"] = 1

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)
}

func TestFingerprintStable(t *testing.T) {
	row := sampleRow()
	first := ListingFingerprint(row)
	copied := row
	assert.Equal(t, first, ListingFingerprint(copied))
	assert.Equal(t, first, ListingFingerprint(sampleRow()))
}

func TestFingerprintChangesOnAnyField(t *testing.T) {
	base := sampleRow()
	baseFP := ListingFingerprint(base)

	mutations := map[string]func(r *models.ListingRow){
		"name":       func(r *models.ListingRow) { r.Name += "x" },
		"type":       func(r *models.ListingRow) { r.Type = "trawler" },
		"dimensions": func(r *models.ListingRow) { r.Dimensions = "24.6 x 8.2 m" },
		"tonnage":    func(r *models.ListingRow) { r.Tonnage = f64(*r.Tonnage + 0.5) },
		"build_year": func(r *models.ListingRow) { r.BuildYear = iptr(*r.BuildYear + 1) },
		"price":      func(r *models.ListingRow) { r.Price = f64(*r.Price + 1) },
		"price_nil":  func(r *models.ListingRow) { r.Price = nil },
		"currency":   func(r *models.ListingRow) { r.Currency = "USD" },
		"url":        func(r *models.ListingRow) { r.URL += "?" },
		"image_url":  func(r *models.ListingRow) { r.ImageURL = "" },
		"is_sold":    func(r *models.ListingRow) { r.IsSold = true },
		"source_id":  func(r *models.ListingRow) { r.SourceID = "v2" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			row := sampleRow()
			mutate(&row)
			assert.NotEqual(t, baseFP, ListingFingerprint(row))
		})
	}
}

func TestFingerprintRandomMutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	byFingerprint := map[string]string{}
	for i := 0; i < 1000; i++ {
		fields := map[string]any{
			"name":  rng.Intn(40),
			"price": float64(rng.Intn(40)),
			"sold":  rng.Intn(2) == 1,
		}
		key, err := json.Marshal(fields)
		require.NoError(t, err)

		fp := Fingerprint(fields)
		if prev, ok := byFingerprint[fp]; ok {
			assert.Equal(t, prev, string(key), "distinct payloads share a fingerprint")
		}
		byFingerprint[fp] = string(key)
	}
}

func TestFingerprintIgnoresPointerIdentity(t *testing.T) {
	a, b := sampleRow(), sampleRow()
	a.Price, b.Price = f64(math.Inf(1)), f64(math.Inf(1))
	a.Tonnage, b.Tonnage = f64(math.NaN()), f64(math.NaN())
	assert.Equal(t, ListingFingerprint(a), ListingFingerprint(b))

	b.Price = f64(math.Inf(-1))
	assert.NotEqual(t, ListingFingerprint(a), ListingFingerprint(b))
	assert.Equal(t, []string{"price"}, ChangedFields(a, b))
}

func TestFingerprintMatchesPlainValues(t *testing.T) {
	price := 100000.0
	assert.Equal(t,
		Fingerprint(map[string]any{"price": 100000.0, "tags": []string{"a"}}),
		Fingerprint(map[string]any{"price": &price, "tags": []any{"a"}}),
	)
}

func TestPayloadFingerprintCoversDetail(t *testing.T) {
	p := models.VesselPayload{ListingRow: sampleRow(), Detail: json.RawMessage(`{"engine":"MAN","hp":1200}`)}
	q := p
	q.Detail = json.RawMessage(`{"hp":1200,"engine":"MAN"}`)
	assert.Equal(t, PayloadFingerprint(p), PayloadFingerprint(q))

	q.Detail = json.RawMessage(`{"hp":1300,"engine":"MAN"}`)
	assert.NotEqual(t, PayloadFingerprint(p), PayloadFingerprint(q))

	r := p
	r.Images = []string{"a.jpg"}
	assert.NotEqual(t, PayloadFingerprint(p), PayloadFingerprint(r))
}

func TestChangedFields(t *testing.T) {
	a := sampleRow()
	b := sampleRow()
	assert.Empty(t, ChangedFields(a, b))

	b.Name = "Southern Star"
	b.Price = f64(90000)
	assert.Equal(t, []string{"name", "price"}, ChangedFields(a, b))
}
