package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ListingRow is one vessel as seen on a source's list page.
type ListingRow struct {
	Source      string   `json:"source" db:"source" validate:"required"`
	SourceID    string   `json:"source_id" db:"source_id" validate:"required"`
	Name        string   `json:"name" db:"name" validate:"required"`
	Type        string   `json:"type" db:"type" validate:"required"`
	Dimensions  string   `json:"dimensions" db:"dimensions" validate:"required"`
	Tonnage     *float64 `json:"tonnage" db:"tonnage" validate:"required,finite,gte=0"`
	BuildYear   *int     `json:"build_year" db:"build_year" validate:"required,gte=0"`
	Price       *float64 `json:"price" db:"price" validate:"required,finite,gte=0"`
	Currency    string   `json:"currency,omitempty" db:"currency"`
	URL         string   `json:"url" db:"url" validate:"required"`
	ImageURL    string   `json:"image_url" db:"image_url" validate:"required"`
	IsSold      bool     `json:"is_sold" db:"is_sold"`
	Fingerprint string   `json:"fingerprint,omitempty" db:"fingerprint"`
}

// StagedListing is a ListingRow written to staging by a run.
type StagedListing struct {
	ListingRow
	RunID    uuid.UUID `json:"run_id" db:"run_id"`
	StagedAt time.Time `json:"staged_at" db:"staged_at"`
}

// VesselPayload is the enriched, canonical-shape record for one vessel.
type VesselPayload struct {
	ListingRow
	Detail               json.RawMessage `json:"detail,omitempty" db:"detail"`
	Images               []string        `json:"images,omitempty" db:"images"`
	CanonicalFingerprint string          `json:"canonical_fingerprint" db:"canonical_fingerprint"`
}

// StagedVessel is a VesselPayload written to staging by a detail-worker run.
type StagedVessel struct {
	VesselPayload
	RunID    uuid.UUID `json:"run_id" db:"run_id"`
	StagedAt time.Time `json:"staged_at" db:"staged_at"`
}

// ListingMetrics are reported by an adapter for one list scrape.
type ListingMetrics struct {
	ExternalRequests  int     `json:"external_requests" validate:"gte=0"`
	SelectorFailCount int     `json:"selector_fail_count" validate:"gte=0"`
	ParseFailCount    int     `json:"parse_fail_count" validate:"gte=0"`
	PageCoverageRatio float64 `json:"page_coverage_ratio" validate:"finite,gte=0,lte=1"`
}

// DetailMetrics are reported by an adapter for one detail enrichment.
type DetailMetrics struct {
	ExternalRequests int `json:"external_requests" validate:"gte=0"`
	ParseFailCount   int `json:"parse_fail_count" validate:"gte=0"`
}
