package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInserted     EventType = "inserted"
	EventPriceChanged EventType = "price_changed"
	EventSold         EventType = "sold"
	EventRemoved      EventType = "removed"
	EventUnchanged    EventType = "unchanged"
)

// Notifies reports whether applying the event produces an outbox entry.
func (t EventType) Notifies() bool {
	switch t {
	case EventInserted, EventPriceChanged, EventSold, EventRemoved:
		return true
	}
	return false
}

// DiffEvent is unique on (run_id, source, source_id).
type DiffEvent struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	RunID     uuid.UUID   `json:"run_id" db:"run_id"`
	Source    string      `json:"source" db:"source"`
	SourceID  string      `json:"source_id" db:"source_id"`
	EventType EventType   `json:"event_type" db:"event_type"`
	Payload   DiffPayload `json:"payload" db:"payload"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	AppliedAt *time.Time  `json:"applied_at,omitempty" db:"applied_at"`
}

type DiffPayload struct {
	Listing       *ListingRow    `json:"listing,omitempty"`
	Vessel        *VesselPayload `json:"vessel,omitempty"`
	OldPrice      *float64       `json:"old_price,omitempty"`
	NewPrice      *float64       `json:"new_price,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Misses        int            `json:"misses,omitempty"`
	Relisted      bool           `json:"relisted,omitempty"`
}

// Row returns the listing shape carried by the payload, if any.
func (p DiffPayload) Row() *ListingRow {
	if p.Vessel != nil {
		return &p.Vessel.ListingRow
	}
	return p.Listing
}

func (p DiffPayload) ToJSON() json.RawMessage {
	data, _ := json.Marshal(p)
	return data
}
