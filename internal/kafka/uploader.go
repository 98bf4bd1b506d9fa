package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saviobatista/fleetsync/internal/types"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the uploader uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the message value written for each queue item
type Record struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"session_id"`
	RetryCount int                   `json:"retry_count"`
	Packet     types.TelemetryPacket `json:"packet"`
}

// Uploader streams synced batches to a Kafka topic. Messages are keyed by
// session so one session stays ordered within a partition; consumers dedupe
// on the id header.
type Uploader struct {
	writer MessageWriter
}

// New creates an uploader writing to topic on brokers
func New(brokers []string, topic string) *Uploader {
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	})
}

// NewWithWriter creates an uploader with a custom writer (useful for testing)
func NewWithWriter(w MessageWriter) *Uploader {
	return &Uploader{writer: w}
}

// Upload writes the batch synchronously; it succeeds only when every
// message is acknowledged
func (u *Uploader) Upload(ctx context.Context, items []types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(items))
	for i, item := range items {
		data, err := json.Marshal(Record{
			ID:         item.ID,
			SessionID:  item.SessionID,
			RetryCount: item.RetryCount,
			Packet:     item.Packet,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
		}
		msgs[i] = kafka.Message{
			Key:     []byte(item.SessionID),
			Value:   data,
			Time:    item.Packet.Timestamp,
			Headers: []kafka.Header{{Key: "id", Value: []byte(item.ID)}},
		}
	}

	if err := u.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (u *Uploader) Close() error {
	return u.writer.Close()
}
