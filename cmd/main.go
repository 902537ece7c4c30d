package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "ai-transcript-render-service/internal/api/grpc"
	"ai-transcript-render-service/internal/app"
	"ai-transcript-render-service/internal/config"
	"ai-transcript-render-service/internal/events"
	httpapi "ai-transcript-render-service/internal/http"
	"ai-transcript-render-service/internal/observability"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/feed/mock"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/session"
	"ai-transcript-render-service/internal/service/transcript"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript render service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:          "ai-transcript-render-service",
		Short:        "Reconciles agent transcription feeds into display-ready transcripts",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.AddCommand(serveCmd, newReplayCommand(), newFramesCommand())
	return root
}

func serve(parent context.Context) error {
	cfg := config.Load()
	application := app.New(cfg)
	m := application.Metrics

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsServer := observability.NewServer(cfg.Observability.MetricsAddr, application.Registry, application.Ready)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)
	healthServer := grpcapi.Register(grpcServer, application.Session)

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		return errors.Wrapf(err, "listen on grpc port %s", cfg.Service.GRPCPort)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumer := events.NewConsumer(events.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.TopicInbound,
		GroupID: cfg.Kafka.GroupID,
		Enabled: cfg.Kafka.Enabled,
		Metrics: m,
	}, application.HandlePayload)

	if err := application.Start(); err != nil {
		return err
	}
	obsServer.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		application.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC server started")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Service.HTTPPort).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		if err := consumer.Close(); err != nil {
			log.Warn().Err(err).Msg("Consumer close failed")
		}

		// Release delivers every decided event and ends gRPC subscriptions.
		application.Shutdown()
		grpcServer.GracefulStop()

		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Observability shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Service stopped with error")
		return err
	}
	return nil
}

type replayOptions struct {
	mode         string
	tickInterval time.Duration
	speed        float64
	debug        bool
}

func newReplayCommand() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [frames.jsonl]",
		Short: "Feed recorded frames into an in-process session and print transcripts as JSON lines",
		Long: "Replays frames produced by the frames command (or the built-in demo script when no file\n" +
			"is given) against a local engine. Every emitted event is written to stdout.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.speed <= 0 {
				return errors.New("--speed must be positive")
			}
			var player *mock.Player
			if len(args) == 1 {
				frames, err := readFrames(args[0])
				if err != nil {
					return err
				}
				player = mock.FromFrames(frames, opts.speed)
			} else {
				timing := mock.DefaultTiming()
				timing.Speed = opts.speed
				player = mock.New("agent-1", "user-1", nil, timing)
			}
			return replay(cmd.Context(), player, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "word", "preferred render mode (word|text)")
	cmd.Flags().DurationVar(&opts.tickInterval, "tick", transcript.DefaultTickInterval, "presentation tick interval")
	cmd.Flags().Float64Var(&opts.speed, "speed", 4, "playback speed multiplier")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "include engine debug events")
	return cmd
}

func replay(ctx context.Context, player *mock.Player, opts replayOptions, out io.Writer) error {
	logging.Init(logging.Config{Level: "warn", Format: "console", TimeFormat: time.RFC3339})

	cfg := transcript.DefaultConfig()
	cfg.PreferredMode = render.ParsePreference(opts.mode)
	// Ticks follow the scaled playback clock.
	cfg.TickInterval = time.Duration(float64(opts.tickInterval) / opts.speed)
	cfg.DebugEvents = opts.debug
	h := session.NewHandler(session.Config{Engine: cfg, Limits: session.DefaultLimits()}, nil)

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	h.Subscribe(emitter.ObserverFunc(func(e emitter.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			log.Warn().Err(err).Msg("Write failed")
		}
	}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := player.Run(ctx, replayCallback{h: h})
	// Let the last ticks drain the buffer.
	time.Sleep(2 * cfg.TickInterval)
	h.Release()
	return err
}

type replayCallback struct {
	h *session.Handler
}

func (c replayCallback) OnMessage(ctx context.Context, publisherID string, payload []byte) {
	if err := c.h.HandlePayload(ctx, publisherID, payload); err != nil {
		log.Warn().Err(err).Str("publisherId", publisherID).Msg("Replay message rejected")
	}
}

func (c replayCallback) OnPresentation(ms int64) {
	c.h.UpdatePresentation(ms)
}

func newFramesCommand() *cobra.Command {
	var agentID, userID string
	cmd := &cobra.Command{
		Use:   "frames",
		Short: "Print the built-in demo conversation as replayable JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, f := range mock.New(agentID, userID, nil, mock.DefaultTiming()).Frames() {
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "agent-1", "agent publisher id")
	cmd.Flags().StringVar(&userID, "user", "user-1", "user id")
	return cmd
}

func readFrames(path string) ([]mock.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open frames")
	}
	defer f.Close()

	var frames []mock.Frame
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var fr mock.Frame
		if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		frames = append(frames, fr)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read frames")
	}
	if len(frames) == 0 {
		return nil, errors.Errorf("%s: no frames", path)
	}
	return frames, nil
}
