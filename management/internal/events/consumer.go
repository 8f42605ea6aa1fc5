package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	GroupID string
}

// Consumer reads inbound audit and scoring events and dispatches them to Handlers.
// Messages are committed after handling; a message that fails to decode or apply is
// logged and committed so a poison message cannot stall the partition.
type Consumer struct {
	reader   messageReader
	handlers *Handlers
	logger   *log.Logger
}

func NewConsumer(cfg ConsumerConfig, h *Handlers, logger *log.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: consumer group required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    []string{TopicCrawlCompleted, TopicFFScoreRecalculated},
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
	return newConsumer(r, h, logger), nil
}

func newConsumer(r messageReader, h *Handlers, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(os.Stdout, "[events] ", log.LstdFlags)
	}
	return &Consumer{reader: r, handlers: h, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Printf("consumer started topics=%s,%s", TopicCrawlCompleted, TopicFFScoreRecalculated)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Printf("consumer stopped")
				return nil
			}
			c.logger.Printf("fetch failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			c.logger.Printf("handle %s offset=%d failed: %v", msg.Topic, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Printf("commit %s offset=%d failed: %v", msg.Topic, msg.Offset, err)
		}
	}
}

// Handle dispatches a single message by topic.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	corr := header(msg, "correlation_id")
	switch msg.Topic {
	case TopicCrawlCompleted:
		_, err := c.handlers.CrawlCompleted(ctx, msg.Value, corr)
		return err
	case TopicFFScoreRecalculated:
		_, err := c.handlers.FFScoreRecalculated(ctx, msg.Value, corr)
		return err
	}
	return fmt.Errorf("no handler for topic %s", msg.Topic)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
