// Test client - plays the built-in demo conversation against a running
// service over its HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/service/feed/mock"
)

type httpFeed struct {
	base   string
	client *http.Client
}

func (f *httpFeed) post(ctx context.Context, path string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = header
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

func (f *httpFeed) OnMessage(ctx context.Context, publisherID string, payload []byte) {
	header := http.Header{}
	header.Set("X-Publisher-Id", publisherID)
	if err := f.post(ctx, "/v1/messages", payload, header); err != nil {
		log.Warn().Err(err).Msg("Message rejected")
		return
	}
	log.Debug().RawJSON("payload", payload).Msg("Message sent")
}

func (f *httpFeed) OnPresentation(ms int64) {
	body, _ := json.Marshal(map[string]int64{"presentationMs": ms})
	if err := f.post(context.Background(), "/v1/presentation", body, http.Header{}); err != nil {
		log.Warn().Err(err).Int64("presentationMs", ms).Msg("Presentation update rejected")
	}
}

func main() {
	server := flag.String("server", "http://localhost:8080", "service base URL")
	agentID := flag.String("agent", "agent-1", "agent publisher id")
	userID := flag.String("user", "user-1", "user id")
	speed := flag.Float64("speed", 1, "playback speed multiplier")
	reset := flag.Bool("reset", true, "reset the session before playing")
	verbose := flag.Bool("v", false, "log every message")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.Init(logging.Config{Level: level, Format: "console", TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := &httpFeed{base: *server, client: &http.Client{Timeout: 5 * time.Second}}
	if *reset {
		if err := feed.post(ctx, "/v1/control/reset", nil, http.Header{}); err != nil {
			log.Error().Err(err).Msg("Reset failed")
			os.Exit(1)
		}
	}

	timing := mock.DefaultTiming()
	timing.Speed = *speed
	player := mock.New(*agentID, *userID, nil, timing)

	log.Info().
		Str("server", *server).
		Int("frames", len(player.Frames())).
		Float64("speed", *speed).
		Msg("Playing demo conversation")

	start := time.Now()
	if err := player.Run(ctx, feed); err != nil {
		log.Error().Err(err).Msg("Playback failed")
		os.Exit(1)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Playback finished")
}
