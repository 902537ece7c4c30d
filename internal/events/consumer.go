package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
)

// PublisherIDHeader carries the publisher identity when the message key is
// empty.
const PublisherIDHeader = "publisherId"

// PayloadHandler processes one raw inbound message.
type PayloadHandler func(ctx context.Context, publisherID string, payload []byte) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Enabled bool
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// Consumer reads raw transcription messages from the inbound topic and
// hands them to a PayloadHandler. Handler errors are logged and the
// message is committed anyway.
type Consumer struct {
	reader  messageReader
	topic   string
	handler PayloadHandler
	metrics *metrics.Metrics
	logger  zerolog.Logger
	backoff time.Duration
}

// NewConsumer creates a consumer. With Kafka disabled Run only waits for
// cancellation.
func NewConsumer(cfg ConsumerConfig, handler PayloadHandler) *Consumer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	c := &Consumer{
		topic:   cfg.Topic,
		handler: handler,
		metrics: m,
		logger:  logging.WithComponent("kafka-consumer"),
		backoff: time.Second,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		c.logger.Info().Msg("Kafka disabled, inbound consumer idle")
		return c
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
	})
	c.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("groupId", cfg.GroupID).
		Msg("Kafka consumer initialized")
	return c
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.reader == nil {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Str("topic", c.topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		publisherID := PublisherID(msg)
		herr := c.handler(ctx, publisherID, msg.Value)
		c.metrics.RecordKafkaConsume(c.topic, herr)
		if herr != nil {
			c.logger.Warn().
				Err(herr).
				Str("publisherId", publisherID).
				Int64("offset", msg.Offset).
				Msg("Inbound message rejected")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "commit offset %d on %s", msg.Offset, c.topic)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// PublisherID returns the message key, or the publisherId header when the
// key is empty.
func PublisherID(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	for _, h := range msg.Headers {
		if h.Key == PublisherIDHeader {
			return string(h.Value)
		}
	}
	return ""
}
