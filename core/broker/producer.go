package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the subset of *kafka.Writer used by the producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles relationship event emission to Kafka.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
	topic  string
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg Config, logger *zap.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(w messageWriter, topic string, logger *zap.Logger) *Producer {
	return &Producer{writer: w, logger: logger, topic: topic}
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Emit publishes one relationship event. The message key is the relationship key,
// so created and deleted variants of one edge land on the same partition.
func (p *Producer) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish relationship event",
			zap.String("event_type", event.EventType()),
			zap.String("source", event.Source),
			zap.String("target", event.Target),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s: %w", event.EventType(), err)
	}

	p.logger.Debug("Published relationship event",
		zap.String("event_type", event.EventType()),
		zap.String("source", event.Source),
		zap.String("target", event.Target),
	)
	return nil
}

// Discard is an emitter that accepts every event without publishing it.
// It is used when the broker is disabled; emissions still reach the event log.
type Discard struct{}

// Emit implements the emitter contract.
func (Discard) Emit(context.Context, Event) error { return nil }
