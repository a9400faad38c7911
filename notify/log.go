package notify

import (
	"context"

	"go.uber.org/zap"

	"vessel_ingest/models"
)

// LogProvider writes batches to the log. It never fails.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger.Named("notify")}
}

func (l *LogProvider) Name() string { return "log" }

func (l *LogProvider) Send(_ context.Context, b Batch) (SendResult, error) {
	for _, c := range b.Changes {
		l.logger.Info("vessel change",
			zap.String("source", c.Vessel.Source),
			zap.String("source_id", c.Vessel.SourceID),
			zap.String("event_type", string(c.EventType)),
			zap.String("name", c.Vessel.Name),
			zap.Float64p("old_price", c.OldPrice),
			zap.Float64p("new_price", c.NewPrice),
		)
	}
	l.logger.Info("batch delivered",
		zap.String("source", b.Source),
		zap.String("vessel_type", b.VesselType),
		zap.Any("stats", b.Stats),
	)
	return SendResult{Sent: len(b.Changes)}, nil
}

func (l *LogProvider) Alert(_ context.Context, a models.Alert) error {
	l.logger.Warn("operator alert",
		zap.String("source", a.Source),
		zap.String("kind", string(a.Kind)),
		zap.String("message", a.Message),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
	)
	return nil
}

func (l *LogProvider) Close() error { return nil }
