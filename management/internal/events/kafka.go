package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisherConfig contains configurable parameters for the Kafka publisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// MaxAttempts is how many times a publish is tried. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout bounds a single attempt. Defaults to 5s if zero.
	WriteTimeout time.Duration

	// InitialBackoff is the delay before the second attempt. Defaults to 100ms.
	InitialBackoff time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes event envelopes to the topic named by each event.
type KafkaPublisher struct {
	writer       messageWriter
	retryCfg     retry.Config
	writeTimeout time.Duration
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	w := &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Hash keeps all events of one project on one partition.
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaPublisherConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	return &KafkaPublisher{
		writer: w,
		retryCfg: retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.InitialBackoff,
			BackoffPolicy: retry.BackoffExponential,
		},
		writeTimeout: cfg.WriteTimeout,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return fmt.Errorf("kafka: event %s has no topic", ev.Envelope.EventName)
	}
	value, err := json.Marshal(ev.Envelope)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Envelope.EventName, err)
	}
	msg := kafka.Message{
		Topic: ev.Topic,
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Envelope.EventName)},
			{Key: "event_id", Value: []byte(ev.Envelope.EventID)},
			{Key: "content_type", Value: []byte("application/json")},
		},
	}
	if ev.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(ev.CorrelationID)})
	}

	attempt := timeout.New[struct{}](timeout.Config{DefaultTimeout: p.writeTimeout})
	_, err = retry.New[struct{}](p.retryCfg).Do(ctx, func(ctx context.Context) (struct{}, error) {
		return attempt.Execute(ctx, p.writeTimeout, func(ctx context.Context) (struct{}, error) {
			msg.Time = time.Now().UTC()
			return struct{}{}, p.writer.WriteMessages(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Envelope.EventName, ev.Topic, err)
	}
	return nil
}

// Close shuts down the underlying writer and releases resources.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
