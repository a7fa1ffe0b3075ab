package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/kotae/internal/model"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes run events to a Kafka topic as JSON. Messages are keyed
// by ticket ID so every event for one ticket lands on the same partition, in
// order.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}}
}

// Write publishes the batch in one call.
func (k *KafkaSink) Write(ctx context.Context, events []model.RunEvent) error {
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("events: encode event %s: %w", ev.ID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(ev.TicketID),
			Value: value,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("run." + string(ev.To))},
				{Key: "run_id", Value: []byte(ev.RunID.String())},
			},
		}
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("events: kafka write %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending writes and closes the producer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
