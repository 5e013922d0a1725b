package publish

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaWriter is the durable Delta sink, grounded on the teacher's
// internal/adapter/kafka/writer.go: one kafka-go Writer per topic,
// least-bytes balancing, require-all acks.
type KafkaWriter struct {
	writer *kafkago.Writer
}

// NewKafkaWriter builds a KafkaWriter for the configured delta topic.
func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaWriter{writer: w}
}

// WriteDelta serializes and publishes one Delta message, keyed by request
// ID + batch index so a consumer can deduplicate on at-least-once
// redelivery (spec §1 non-goals: "at-least-once delta delivery").
func (w *KafkaWriter) WriteDelta(ctx context.Context, delta Delta) error {
	raw, err := marshalDelta(delta)
	if err != nil {
		return fmt.Errorf("serialize delta: %w", err)
	}
	key := fmt.Sprintf("%s:%d", delta.RequestID, delta.BatchIndex)
	return w.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: raw,
		Headers: []kafkago.Header{
			{Key: "request_id", Value: []byte(delta.RequestID)},
		},
	})
}

// Close releases the underlying Kafka connection.
func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}
