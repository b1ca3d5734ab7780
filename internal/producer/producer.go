// Package producer publishes alert events to Kafka.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/danilo-araujo0000/boton/internal/events"
)

// Producer writes AlertFired events keyed by event ID so all records for one
// alert land on the same partition.
type Producer struct {
	writer *kafka.Writer
}

// New creates a producer for topic on brokers.
func New(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// PublishAlertFired writes one event.
func (p *Producer) PublishAlertFired(ctx context.Context, fired events.AlertFired) error {
	payload, err := json.Marshal(fired)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fired.EventID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to write alert event: %w", err)
	}

	slog.Debug("Published alert event", "event_id", fired.EventID, "topic", p.writer.Topic)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
