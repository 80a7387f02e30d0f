package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultTopic receives every conversion event
const DefaultTopic = "convertflow.conversion.events"

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes conversion events to a Kafka topic, keyed by owner so that
// one owner's events stay ordered within a partition
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds the kafka-go writer for the given brokers and topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// NewKafkaPublisher wraps a writer
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish implements domain.EventPublisher
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.ConversionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal conversion event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OwnerID),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write conversion event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
