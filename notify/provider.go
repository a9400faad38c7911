// Package notify delivers vessel change batches and operator alerts.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/httputil"
	"vessel_ingest/models"
)

// Change is one announced state transition.
type Change struct {
	OutboxID  uuid.UUID        `json:"outbox_id"`
	EventType models.EventType `json:"event_type"`
	Vessel    models.Vessel    `json:"vessel"`
	OldPrice  *float64         `json:"old_price,omitempty"`
	NewPrice  *float64         `json:"new_price,omitempty"`
	Relisted  bool             `json:"relisted,omitempty"`
}

// Batch groups changes sharing a source and vessel type.
type Batch struct {
	Source     string         `json:"source"`
	VesselType string         `json:"vessel_type"`
	Stats      map[string]int `json:"stats"`
	Changes    []Change       `json:"changes"`
	SentAt     time.Time      `json:"sent_at"`
}

func NewBatch(source, vesselType string, changes []Change) Batch {
	stats := make(map[string]int)
	for _, c := range changes {
		stats[string(c.EventType)]++
	}
	return Batch{Source: source, VesselType: vesselType, Stats: stats, Changes: changes}
}

// SendResult reports per-change outcomes. A non-empty Blocked means nothing
// was attempted, for example because credentials are missing.
type SendResult struct {
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Blocked string `json:"blocked,omitempty"`
}

// OK reports whether every change in the batch was delivered.
func (r SendResult) OK(batchSize int) bool {
	return r.Blocked == "" && r.Failed == 0 && r.Sent >= batchSize
}

// Provider is an external notification channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, b Batch) (SendResult, error)
	Alert(ctx context.Context, a models.Alert) error
	Close() error
}

// New builds the provider selected by cfg.
func New(cfg config.NotifyConfig, clients *httputil.Clients, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "log":
		return NewLogProvider(logger), nil
	case "webhook":
		return NewWebhookProvider(cfg.WebhookURL, cfg.WebhookToken, clients.Notify), nil
	case "kafka":
		return NewKafkaProvider(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	default:
		return nil, fmt.Errorf("unknown notification provider %q", cfg.Provider)
	}
}
