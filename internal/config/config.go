// Package config loads service configuration from the environment.
// Unset variables and values that fail to parse fall back to defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Service       ServiceConfig
	Render        RenderConfig
	Ingest        IngestConfig
	History       HistoryConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service and its listeners.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPPort  string
}

// RenderConfig tunes the transcript engine.
type RenderConfig struct {
	// Mode is the preferred render mode: "word" or "text".
	Mode         string
	TickInterval time.Duration
	TurnCapacity int
	DebugLogs    bool
}

// IngestConfig bounds inbound payloads.
type IngestConfig struct {
	MaxPayloadBytes int
}

// HistoryConfig bounds the transcript history kept for late subscribers.
type HistoryConfig struct {
	MaxEntries int
}

// KafkaConfig configures the inbound consumer and outbound publisher.
type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicInbound   string
	TopicPartial   string
	TopicFinal     string
	TopicInterrupt string
	GroupID        string
	Principal      string
}

// ObservabilityConfig configures logging and the metrics listener.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads the configuration from the environment.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-transcript-render")

	return &Configuration{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
		},
		Render: RenderConfig{
			Mode:         envOrDefault("RENDER_MODE", "word"),
			TickInterval: envOrDefaultDuration("RENDER_TICK_INTERVAL", 200*time.Millisecond),
			TurnCapacity: envOrDefaultInt("RENDER_TURN_CAPACITY", 5),
			DebugLogs:    envOrDefaultBool("RENDER_DEBUG_LOGS", false),
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: envOrDefaultInt("INGEST_MAX_PAYLOAD_BYTES", 64*1024),
		},
		History: HistoryConfig{
			MaxEntries: envOrDefaultInt("HISTORY_MAX_ENTRIES", 200),
		},
		Kafka: KafkaConfig{
			Enabled:        envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:        envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicInbound:   envOrDefault("KAFKA_TOPIC_INBOUND", "agent.transcription.raw"),
			TopicPartial:   envOrDefault("KAFKA_TOPIC_PARTIAL", "agent.transcript.partial"),
			TopicFinal:     envOrDefault("KAFKA_TOPIC_FINAL", "agent.transcript.final"),
			TopicInterrupt: envOrDefault("KAFKA_TOPIC_INTERRUPT", "agent.transcript.interrupt"),
			GroupID:        envOrDefault("KAFKA_GROUP_ID", "transcript-render"),
			Principal:      envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
