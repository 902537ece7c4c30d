package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-transcript-render-service/internal/config"
	"ai-transcript-render-service/internal/events"
	"ai-transcript-render-service/internal/history"
	"ai-transcript-render-service/internal/hub"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/session"
	"ai-transcript-render-service/internal/service/transcript"
)

// ResetMessage is broadcast to websocket clients after a session reset.
type ResetMessage struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
}

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Session   *session.Handler
	History   *history.Store
	Hub       *hub.Hub
	Publisher *events.Publisher

	ready atomic.Bool
}

// Option customizes New.
type Option func(*Application)

// WithPublisher replaces the publisher built from the Kafka config.
func WithPublisher(p *events.Publisher) Option {
	return func(a *Application) { a.Publisher = p }
}

// New constructs a new Application from the provided configuration and
// wires the session to history, the websocket hub and Kafka.
func New(cfg *config.Configuration, opts ...Option) *Application {
	a := &Application{
		Cfg:      cfg,
		Registry: prometheus.NewRegistry(),
	}
	a.setupLogger()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	for _, opt := range opts {
		opt(a)
	}
	if a.Publisher == nil {
		a.Publisher = events.New(&events.Config{
			Brokers:        cfg.Kafka.Brokers,
			TopicPartial:   cfg.Kafka.TopicPartial,
			TopicFinal:     cfg.Kafka.TopicFinal,
			TopicInterrupt: cfg.Kafka.TopicInterrupt,
			Principal:      cfg.Kafka.Principal,
			Enabled:        cfg.Kafka.Enabled,
			Metrics:        a.Metrics,
		})
	}

	engineCfg := transcript.DefaultConfig()
	engineCfg.PreferredMode = render.ParsePreference(cfg.Render.Mode)
	engineCfg.TickInterval = cfg.Render.TickInterval
	engineCfg.Capacity = cfg.Render.TurnCapacity
	engineCfg.DebugEvents = cfg.Render.DebugLogs

	a.Session = session.NewHandler(session.Config{
		Engine: engineCfg,
		Limits: session.Limits{MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes},
	}, a.Metrics)

	a.History = history.New(cfg.History.MaxEntries)
	a.Hub = hub.New(
		hub.WithSnapshot(a.historyMessages),
		hub.WithDebugEvents(cfg.Render.DebugLogs),
		hub.WithMetrics(a.Metrics),
	)

	a.Session.Subscribe(emitter.Fanout{
		a.History,
		a.Hub,
		a.Publisher.Observer(a.Session.ID()),
	})
	a.Session.OnReset(func() {
		a.History.Clear()
		a.Hub.Broadcast(ResetMessage{Kind: "session.reset", SessionID: a.Session.ID()})
	})

	appLogger := a.Logger.With().
		Str("component", "application").
		Str("method", "New").
		Logger()

	appLogger.Info().
		Str("sessionId", a.Session.ID()).
		Str("renderMode", cfg.Render.Mode).
		Msg("AI Transcript Render service application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	logging.Init(lc)

	a.Logger = log.Logger.With().
		Str("service", "ai-transcript-render-service").
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", lc.Format).
		Msg("Logger setup completed")
}

func (a *Application) historyMessages() []any {
	entries := a.History.Snapshot()
	msgs := make([]any, 0, len(entries))
	for _, e := range entries {
		t := e.Transcript
		msgs = append(msgs, emitter.Event{
			Kind:        emitter.KindTranscript,
			AgentUserID: e.AgentUserID,
			Transcript:  &t,
			Timestamp:   e.UpdatedAt,
		})
	}
	return msgs
}

// HandlePayload feeds one inbound message to the session. It matches
// events.PayloadHandler.
func (a *Application) HandlePayload(ctx context.Context, publisherID string, payload []byte) error {
	return a.Session.HandlePayload(ctx, publisherID, payload)
}

// Ready reports whether the application accepts traffic.
func (a *Application) Ready() bool {
	return a.ready.Load() && !a.Session.Released()
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("AI Transcript Render service starting")

	return nil
}

// Shutdown releases the session, delivering every decided event, and
// closes the publisher.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.ready.Store(false)
	a.Session.Release()
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Publisher close failed")
	}

	shutdownLogger.Info().
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("AI Transcript Render service shutting down")
}
