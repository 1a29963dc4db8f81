package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives relay events unless configured otherwise
const DefaultTopic = "relay.events"

// KafkaConfig holds the event producer settings
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Acks         string        `yaml:"acks"`        // "0", "1", "all"
	Compression  string        `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// DefaultKafkaConfig returns default producer configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        DefaultTopic,
		Acks:         "1",
		Compression:  "snappy",
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON records keyed by agent id, so the
// events of one agent stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to config.Topic
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka event sink: no brokers configured")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchTimeout:           config.BatchTimeout,
		Compression:            compressionCodec(config.Compression),
		RequiredAcks:           requiredAcks(config.Acks),
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(writer, config.Topic), nil
}

func newKafkaSink(writer messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic}
}

// Publish writes one event
func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AgentID),
		Value: value,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if event.MessageID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "message_id", Value: []byte(event.MessageID)})
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the connection
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}
