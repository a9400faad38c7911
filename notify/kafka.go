package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"vessel_ingest/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProvider publishes one message per change, keyed by source and
// source_id so a vessel's changes stay ordered within a partition.
type KafkaProvider struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaProvider(brokers []string, topic string, logger *zap.Logger) (*KafkaProvider, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProvider{writer: writer, topic: topic, logger: logger}, nil
}

func (k *KafkaProvider) Name() string { return "kafka" }

func (k *KafkaProvider) Send(ctx context.Context, b Batch) (SendResult, error) {
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(b.Changes))
	for _, c := range b.Changes {
		value, err := json.Marshal(c)
		if err != nil {
			return SendResult{Failed: len(b.Changes)}, fmt.Errorf("encode change %s: %w", c.OutboxID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.Vessel.Source + ":" + c.Vessel.SourceID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(c.EventType)},
				{Key: "outbox_id", Value: []byte(c.OutboxID.String())},
			},
			Time: now,
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		var werr kafka.WriteErrors
		if errors.As(err, &werr) {
			failed := werr.Count()
			return SendResult{Sent: len(msgs) - failed, Failed: failed}, fmt.Errorf("publish batch: %w", err)
		}
		return SendResult{Failed: len(msgs)}, fmt.Errorf("publish batch: %w", err)
	}
	return SendResult{Sent: len(msgs)}, nil
}

func (k *KafkaProvider) Alert(ctx context.Context, a models.Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte("alert:" + a.Source + ":" + string(a.Kind)),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("alert")}},
		Time:    time.Now().UTC(),
	})
}

func (k *KafkaProvider) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	k.logger.Info("kafka producer closed", zap.String("topic", k.topic))
	return nil
}
