// Transcript Viewer - Real-time transcript display
// Consumes the outbound transcript topics and pushes them to browsers
// over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"ai-transcript-render-service/internal/config"
	"ai-transcript-render-service/internal/events"
	"ai-transcript-render-service/internal/hub"
	"ai-transcript-render-service/internal/observability/logging"
)

//go:embed static/*
var staticFiles embed.FS

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func consumeKafka(ctx context.Context, h *hub.Hub, brokers []string, topic string) error {
	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not rewind, reading from the start")
	}
	log.Info().Str("topic", topic).Msg("Consuming partition 0 (last hour)")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		// Interrupt payloads decode into the shared fields.
		var head events.TranscriptMessage
		if err := json.Unmarshal(msg.Value, &head); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("JSON unmarshal error")
			continue
		}

		log.Info().
			Str("eventType", head.EventType).
			Str("agentUserId", head.AgentUserID).
			Int64("turnId", head.TurnID).
			Str("status", head.Status).
			Str("text", truncate(head.Text, 40)).
			Msg("Received")
		h.Broadcast(json.RawMessage(msg.Value))
	}
}

func main() {
	cfg := config.Load()
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", strings.Join(cfg.Kafka.Brokers, ","), "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", cfg.Kafka.TopicPartial, "Partial transcript topic")
	topicFinal := flag.String("topic-final", cfg.Kafka.TopicFinal, "Final transcript topic")
	topicInterrupt := flag.String("topic-interrupt", cfg.Kafka.TopicInterrupt, "Interrupt topic")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New()
	brokerList := strings.Split(*brokers, ",")

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.Handle("/ws", h)
	server := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Info().
		Str("url", "http://localhost:"+*port).
		Str("brokers", *brokers).
		Strs("topics", []string{*topicPartial, *topicFinal, *topicInterrupt}).
		Msg("Transcript Viewer starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	for _, topic := range []string{*topicPartial, *topicFinal, *topicInterrupt} {
		g.Go(func() error {
			return consumeKafka(gctx, h, brokerList, topic)
		})
	}
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}
