package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vessel_ingest/config"
	"vessel_ingest/httputil"
	"vessel_ingest/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func noSleep(context.Context, time.Duration) error { return nil }

func testSourceConfig(baseURL string) *config.SourceConfig {
	cfg := &config.SourceConfig{
		Key:      "example_broker",
		Adapter:  "html",
		BaseURL:  baseURL,
		ListPath: "/for-sale",
		Pages:    5,
		Selectors: config.Selectors{
			Item:         "div.vessel-card",
			SourceIDAttr: "data-id",
			Name:         "h2.title",
			Type:         ".type",
			Dimensions:   ".dimensions",
			Tonnage:      ".tonnage",
			BuildYear:    ".year",
			Price:        ".price",
			Currency:     ".price",
			Link:         "a.details",
			Image:        "img.thumb",
			Sold:         ".badge-sold",
			DetailFields: map[string]string{
				"engine":   "#specs .engine",
				"flag":     "#specs .flag",
				"location": "#specs .location",
			},
			DetailImages: ".gallery img",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// brokerServer serves the list fixtures; pages listed in failing answer 500.
func brokerServer(t *testing.T, failing map[string]bool) *httptest.Server {
	t.Helper()
	pages := map[string][]byte{
		"":  loadFixture(t, "list_page1.html"),
		"2": loadFixture(t, "list_page2.html"),
	}
	empty := loadFixture(t, "list_empty.html")
	detail := loadFixture(t, "detail.html")

	mux := http.NewServeMux()
	mux.HandleFunc("/for-sale", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if failing[page] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, ok := pages[page]
		if !ok {
			body = empty
		}
		w.Write(body)
	})
	mux.HandleFunc("/vessels/NV-1001", func(w http.ResponseWriter, r *http.Request) {
		w.Write(detail)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *HTMLAdapter {
	t.Helper()
	fetcher := httputil.NewFetcher(srv.Client(), nil)
	fetcher.Sleep = noSleep
	a, err := NewHTMLAdapter(testSourceConfig(srv.URL), fetcher)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestScrapeListing_Paginates(t *testing.T) {
	srv := brokerServer(t, nil)
	a := newTestAdapter(t, srv)

	rows, m, err := a.ScrapeListing(context.Background())
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if m.ExternalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", m.ExternalRequests)
	}
	if m.ParseFailCount != 1 {
		t.Fatalf("expected 1 parse failure, got %d", m.ParseFailCount)
	}
	if m.SelectorFailCount != 0 {
		t.Fatalf("expected no selector failures, got %d", m.SelectorFailCount)
	}
	if m.PageCoverageRatio != 1 {
		t.Fatalf("expected full coverage, got %v", m.PageCoverageRatio)
	}
	if err := ValidateListing("example_broker", rows, m); err != nil {
		t.Fatalf("rows violate the adapter contract: %v", err)
	}

	first := rows[0]
	if first.SourceID != "NV-1001" {
		t.Fatalf("expected NV-1001, got %s", first.SourceID)
	}
	if first.Name != "Nordic Star" {
		t.Fatalf("expected whitespace collapsed name, got %q", first.Name)
	}
	if *first.Price != 1250000 || first.Currency != "EUR" {
		t.Fatalf("expected EUR 1250000, got %s %v", first.Currency, *first.Price)
	}
	if *first.Tonnage != 120.5 {
		t.Fatalf("expected tonnage 120.5, got %v", *first.Tonnage)
	}
	if *first.BuildYear != 2008 {
		t.Fatalf("expected build year 2008, got %d", *first.BuildYear)
	}
	if first.URL != srv.URL+"/vessels/NV-1001" {
		t.Fatalf("unexpected URL %s", first.URL)
	}
	if first.ImageURL != srv.URL+"/img/nv-1001.jpg" {
		t.Fatalf("unexpected image %s", first.ImageURL)
	}
	if first.IsSold {
		t.Fatalf("NV-1001 should not be sold")
	}

	second := rows[1]
	if second.SourceID != "sea-breeze-77" {
		t.Fatalf("expected id from link, got %s", second.SourceID)
	}
	if *second.Price != 985000 || second.Currency != "USD" {
		t.Fatalf("expected USD 985000, got %s %v", second.Currency, *second.Price)
	}
	if !second.IsSold {
		t.Fatalf("sea-breeze-77 should be sold")
	}
	if second.ImageURL != "https://cdn.example.com/sea-breeze.jpg" {
		t.Fatalf("absolute image URL rewritten: %s", second.ImageURL)
	}

	third := rows[2]
	if *third.Price != 420000.5 || third.Currency != "GBP" {
		t.Fatalf("expected GBP 420000.5, got %s %v", third.Currency, *third.Price)
	}
}

func TestScrapeListing_FailedPageLowersCoverage(t *testing.T) {
	srv := brokerServer(t, map[string]bool{"2": true})
	a := newTestAdapter(t, srv)

	rows, m, err := a.ScrapeListing(context.Background())
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows from page 1, got %d", len(rows))
	}
	// page 1, three attempts at page 2, page 3
	if m.ExternalRequests != 5 {
		t.Fatalf("expected 5 requests, got %d", m.ExternalRequests)
	}
	if m.PageCoverageRatio != 0.5 {
		t.Fatalf("expected coverage 0.5, got %v", m.PageCoverageRatio)
	}
}

func TestScrapeListing_FirstPageFails(t *testing.T) {
	srv := brokerServer(t, map[string]bool{"": true})
	a := newTestAdapter(t, srv)
	a.cfg.Pages = 1

	if _, _, err := a.ScrapeListing(context.Background()); err == nil {
		t.Fatalf("expected an error when no page could be fetched")
	}
}

func TestScrapeListing_BrokenItemSelector(t *testing.T) {
	srv := brokerServer(t, nil)
	a := newTestAdapter(t, srv)
	a.cfg.Selectors.Item = "li.listing"
	a.cfg.Pages = 1

	rows, m, err := a.ScrapeListing(context.Background())
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
	if m.SelectorFailCount != 1 {
		t.Fatalf("expected 1 selector failure, got %d", m.SelectorFailCount)
	}
}

func TestScrapeListing_MissingFieldSelector(t *testing.T) {
	srv := brokerServer(t, nil)
	a := newTestAdapter(t, srv)
	a.cfg.Selectors.Type = ".hull-type"

	rows, m, err := a.ScrapeListing(context.Background())
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	if m.SelectorFailCount != 1 {
		t.Fatalf("expected 1 selector failure, got %d", m.SelectorFailCount)
	}
	if err := ValidateListing("example_broker", rows, m); !IsContractError(err) {
		t.Fatalf("expected rows without a type to break the contract, got %v", err)
	}
}

func TestEnrichDetail(t *testing.T) {
	srv := brokerServer(t, nil)
	a := newTestAdapter(t, srv)

	rows, _, err := a.ScrapeListing(context.Background())
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}

	payload, m, err := a.EnrichDetail(context.Background(), rows[0])
	if err != nil {
		t.Fatalf("enrich failed: %v", err)
	}
	if m.ExternalRequests != 1 {
		t.Fatalf("expected 1 request, got %d", m.ExternalRequests)
	}
	if m.ParseFailCount != 1 {
		t.Fatalf("expected the missing location to count as a parse failure, got %d", m.ParseFailCount)
	}
	if err := ValidateDetail("example_broker", rows[0], payload, m); err != nil {
		t.Fatalf("payload violates the adapter contract: %v", err)
	}

	var detail map[string]string
	if err := json.Unmarshal(payload.Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail["engine"] != "2 x MTU 12V 2000" {
		t.Fatalf("unexpected engine %q", detail["engine"])
	}
	if detail["flag"] != "Malta" {
		t.Fatalf("unexpected flag %q", detail["flag"])
	}
	if len(payload.Images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(payload.Images))
	}
	if payload.Images[0] != srv.URL+"/img/nv-1001-1.jpg" {
		t.Fatalf("unexpected first image %s", payload.Images[0])
	}
}

func TestEnrichDetail_GoneIsPermanent(t *testing.T) {
	srv := brokerServer(t, nil)
	a := newTestAdapter(t, srv)

	row := models.ListingRow{Source: "example_broker", SourceID: "NV-9999", URL: srv.URL + "/vessels/NV-9999"}
	_, m, err := a.EnrichDetail(context.Background(), row)
	if err == nil {
		t.Fatalf("expected an error for a missing detail page")
	}
	if !httputil.IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
	if m.ExternalRequests != 1 {
		t.Fatalf("expected no retries, got %d requests", m.ExternalRequests)
	}
}
