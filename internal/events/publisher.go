// Package events moves transcription messages in and transcript events out
// over Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-transcript-render-service/internal/observability/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate Kafka topics for
// partial transcripts, final transcripts and interrupts.
type Publisher struct {
	writerPartial   messageWriter
	writerFinal     messageWriter
	writerInterrupt messageWriter
	principal       string
	topicPartial    string
	topicFinal      string
	topicInterrupt  string
	enabled         bool
	metrics         *metrics.Metrics

	mu        sync.Mutex
	observers []*Observer
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string
	TopicPartial   string
	TopicFinal     string
	TopicInterrupt string
	Principal      string
	Enabled        bool
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// New creates a Kafka event publisher. With Kafka disabled or no brokers
// configured it logs events instead of writing them.
func New(cfg *Config) *Publisher {
	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: metrics.DefaultMetrics,
		}
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}

	p := &Publisher{
		principal:      cfg.Principal,
		topicPartial:   cfg.TopicPartial,
		topicFinal:     cfg.TopicFinal,
		topicInterrupt: cfg.TopicInterrupt,
		metrics:        m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.writerInterrupt = newWriter(cfg.Brokers, cfg.TopicInterrupt, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicInterrupt", cfg.TopicInterrupt).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishPartial publishes an in-progress transcript to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, EventTypePartial, key, event)
}

// PublishFinal publishes an ended or interrupted transcript to the final
// topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, EventTypeFinal, key, event)
}

// PublishInterrupt publishes an interrupt notification.
func (p *Publisher) PublishInterrupt(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerInterrupt, p.topicInterrupt, EventTypeInterrupt, key, event)
}

func (p *Publisher) publishType(ctx context.Context, eventType, key string, event any) error {
	switch eventType {
	case EventTypeFinal:
		return p.PublishFinal(ctx, key, event)
	case EventTypeInterrupt:
		return p.PublishInterrupt(ctx, key, event)
	default:
		return p.PublishPartial(ctx, key, event)
	}
}

func (p *Publisher) topicFor(eventType string) string {
	switch eventType {
	case EventTypeFinal:
		return p.topicFinal
	case EventTypeInterrupt:
		return p.topicInterrupt
	default:
		return p.topicPartial
	}
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close drains every observer, then closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	observers := p.observers
	p.observers = nil
	p.mu.Unlock()
	for _, o := range observers {
		o.Close()
	}

	var err error
	for name, w := range map[string]messageWriter{
		"partial":   p.writerPartial,
		"final":     p.writerFinal,
		"interrupt": p.writerInterrupt,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing writer")
			err = e
		}
	}
	return err
}
