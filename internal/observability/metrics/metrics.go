// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_transcript_render"

// Metrics holds all Prometheus metrics for the service.
// Every Record* helper is a no-op on a nil receiver.
type Metrics struct {
	// Ingestion metrics
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	PayloadBytes     prometheus.Counter

	// Turn buffer metrics
	TurnsDiscarded *prometheus.CounterVec
	TurnsEvicted   prometheus.Counter
	BufferedTurns  prometheus.Gauge

	// Emission metrics
	TranscriptsEmitted *prometheus.CounterVec
	InterruptsReceived prometheus.Counter
	ModeResolutions    *prometheus.CounterVec
	PendingEvents      prometheus.Gauge

	// Ticker metrics
	TickDuration prometheus.Histogram

	// Kafka metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
	KafkaConsumeTotal   *prometheus.CounterVec
	KafkaConsumeErrors  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec
	GRPCDuration *prometheus.HistogramVec

	// Websocket metrics
	WebsocketClients prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = New(prometheus.DefaultRegisterer)

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Ingestion metrics
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by object tag",
		}, []string{"object"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound messages dropped before merging",
		}, []string{"reason"}),
		PayloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_received_total",
			Help:      "Total inbound payload bytes",
		}),

		// Turn buffer metrics
		TurnsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_discarded_total",
			Help:      "Total number of agent turn updates rejected by the buffer",
		}, []string{"reason"}),
		TurnsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_evicted_total",
			Help:      "Total number of turns evicted by the capacity bound",
		}),
		BufferedTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_turns",
			Help:      "Number of agent turns currently buffered",
		}),

		// Emission metrics
		TranscriptsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_emitted_total",
			Help:      "Total number of transcripts emitted",
		}, []string{"type", "status", "mode"}),
		InterruptsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_received_total",
			Help:      "Total number of interrupt messages received",
		}),
		ModeResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_mode_resolutions_total",
			Help:      "Total number of render mode decisions",
		}, []string{"mode"}),
		PendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Number of events waiting for delivery to observers",
		}),

		// Ticker metrics
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one presentation tick evaluation",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		// Kafka metrics
		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
		KafkaConsumeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consume_total",
			Help:      "Total number of Kafka messages consumed",
		}, []string{"topic"}),
		KafkaConsumeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consume_errors_total",
			Help:      "Total number of consumed Kafka messages the handler rejected",
		}, []string{"topic"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP API requests",
		}, []string{"route", "code"}),

		// gRPC metrics
		GRPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls by method and status code",
		}, []string{"method", "code"}),
		GRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Websocket metrics
		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected websocket clients",
		}),
	}
}

// RecordMessage records an inbound message by its object tag.
func (m *Metrics) RecordMessage(object string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(object).Inc()
}

// RecordPayload records the size of a raw inbound payload.
func (m *Metrics) RecordPayload(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.PayloadBytes.Add(float64(bytes))
}

// RecordDropped records a message dropped before merging.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordTurnDiscarded records an agent update rejected by the buffer.
func (m *Metrics) RecordTurnDiscarded(reason string) {
	if m == nil {
		return
	}
	m.TurnsDiscarded.WithLabelValues(reason).Inc()
}

// RecordEvicted records turns evicted by the capacity bound.
func (m *Metrics) RecordEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TurnsEvicted.Add(float64(n))
}

// SetBufferedTurns records the current buffer length.
func (m *Metrics) SetBufferedTurns(n int) {
	if m == nil {
		return
	}
	m.BufferedTurns.Set(float64(n))
}

// RecordTranscript records an emitted transcript.
func (m *Metrics) RecordTranscript(transcriptType, status, mode string) {
	if m == nil {
		return
	}
	m.TranscriptsEmitted.WithLabelValues(transcriptType, status, mode).Inc()
}

// RecordInterrupt records an interrupt message.
func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.InterruptsReceived.Inc()
}

// RecordModeResolved records a render mode decision.
func (m *Metrics) RecordModeResolved(mode string) {
	if m == nil {
		return
	}
	m.ModeResolutions.WithLabelValues(mode).Inc()
}

// SetPendingEvents records the dispatcher backlog.
func (m *Metrics) SetPendingEvents(n int) {
	if m == nil {
		return
	}
	m.PendingEvents.Set(float64(n))
}

// RecordTick records the duration of one tick evaluation.
func (m *Metrics) RecordTick(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordKafkaConsume records a consumed Kafka message.
func (m *Metrics) RecordKafkaConsume(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaConsumeTotal.WithLabelValues(topic).Inc()
	if err != nil {
		m.KafkaConsumeErrors.WithLabelValues(topic).Inc()
	}
}

// RecordHTTPRequest records a served API request.
func (m *Metrics) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
}

// RecordGRPCRequest records a completed gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.GRPCRequests.WithLabelValues(method, code).Inc()
	m.GRPCDuration.WithLabelValues(method).Observe(seconds)
}

// SetWebsocketClients records the number of connected websocket clients.
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
