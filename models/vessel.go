package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type VesselStatus string

const (
	VesselActive  VesselStatus = "active"
	VesselSold    VesselStatus = "sold"
	VesselRemoved VesselStatus = "removed"
)

// Vessel is the canonical record for one (source, source_id).
type Vessel struct {
	Source               string          `json:"source" db:"source"`
	SourceID             string          `json:"source_id" db:"source_id"`
	Name                 string          `json:"name" db:"name"`
	Type                 string          `json:"type" db:"type"`
	Dimensions           string          `json:"dimensions" db:"dimensions"`
	Tonnage              *float64        `json:"tonnage" db:"tonnage"`
	BuildYear            *int            `json:"build_year" db:"build_year"`
	Price                *float64        `json:"price" db:"price"`
	Currency             string          `json:"currency,omitempty" db:"currency"`
	URL                  string          `json:"url" db:"url"`
	ImageURL             string          `json:"image_url" db:"image_url"`
	Status               VesselStatus    `json:"status" db:"status"`
	ConsecutiveMisses    int             `json:"consecutive_misses" db:"consecutive_misses"`
	LastMissRunID        *uuid.UUID      `json:"last_miss_run_id,omitempty" db:"last_miss_run_id"`
	ListingFingerprint   string          `json:"listing_fingerprint" db:"listing_fingerprint"`
	CanonicalFingerprint string          `json:"canonical_fingerprint,omitempty" db:"canonical_fingerprint"`
	Detail               json.RawMessage `json:"detail,omitempty" db:"detail"`
	Images               []string        `json:"images,omitempty" db:"images"`
	LastRunID            *uuid.UUID      `json:"last_run_id,omitempty" db:"last_run_id"`
	FirstSeenAt          time.Time       `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt           time.Time       `json:"last_seen_at" db:"last_seen_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	SoldAt               *time.Time      `json:"sold_at,omitempty" db:"sold_at"`
	RemovedAt            *time.Time      `json:"removed_at,omitempty" db:"removed_at"`
}

// ApplyListing copies the comparable listing fields onto the vessel.
func (v *Vessel) ApplyListing(row ListingRow) {
	v.Name = row.Name
	v.Type = row.Type
	v.Dimensions = row.Dimensions
	v.Tonnage = row.Tonnage
	v.BuildYear = row.BuildYear
	v.Price = row.Price
	v.Currency = row.Currency
	v.URL = row.URL
	v.ImageURL = row.ImageURL
	v.ListingFingerprint = row.Fingerprint
}

type PriceHistory struct {
	ID         int64     `json:"id" db:"id"`
	RunID      uuid.UUID `json:"run_id" db:"run_id"`
	Source     string    `json:"source" db:"source"`
	SourceID   string    `json:"source_id" db:"source_id"`
	OldPrice   *float64  `json:"old_price" db:"old_price"`
	NewPrice   *float64  `json:"new_price" db:"new_price"`
	Currency   string    `json:"currency,omitempty" db:"currency"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

type ActivityAction string

const (
	ActivityInserted     ActivityAction = "inserted"
	ActivityRelisted     ActivityAction = "relisted"
	ActivityPriceChanged ActivityAction = "price_changed"
	ActivitySold         ActivityAction = "sold"
	ActivityRemoved      ActivityAction = "removed"
	ActivityEnriched     ActivityAction = "enriched"
)

// Activity is one line of a vessel's audit log.
type Activity struct {
	ID        int64           `json:"id" db:"id"`
	RunID     uuid.UUID       `json:"run_id" db:"run_id"`
	Source    string          `json:"source" db:"source"`
	SourceID  string          `json:"source_id" db:"source_id"`
	Action    ActivityAction  `json:"action" db:"action"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
