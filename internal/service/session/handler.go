// Package session coordinates one transcript session: payload limits,
// decoding, the reconciliation engine and the emission dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/schema"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/transcript"
)

const tracerName = "ai-transcript-render-service/session"

// Errors returned by the handler.
var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrEmptyPayload    = errors.New("empty payload")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrReleased        = errors.New("session released")
)

// Limits defines safety guardrails for inbound payloads.
type Limits struct {
	MaxPayloadBytes int
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

// Config configures a Handler.
type Config struct {
	Engine transcript.Config
	Limits Limits
}

// Handler manages one transcript session. It owns the engine and the
// dispatcher that delivers the engine's events to observers.
type Handler struct {
	id         string
	engine     *transcript.Engine
	dispatcher *emitter.Dispatcher
	limits     Limits
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	startedAt  time.Time

	mu       sync.RWMutex
	onReset  []func()
	released bool
}

// NewHandler creates a session with a fresh id. m may be nil.
func NewHandler(cfg Config, m *metrics.Metrics) *Handler {
	id := uuid.NewString()
	logger := logging.WithSession(id)
	dispatcher := emitter.NewDispatcher(emitter.WithMetrics(m))

	return &Handler{
		id: id,
		engine: transcript.New(cfg.Engine, dispatcher,
			transcript.WithLogger(logger.With().Str("component", "transcript-engine").Logger()),
			transcript.WithMetrics(m),
		),
		dispatcher: dispatcher,
		limits:     cfg.Limits,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
		startedAt:  time.Now(),
	}
}

// ID returns the session id.
func (h *Handler) ID() string {
	return h.id
}

// StartedAt returns the creation time of the session.
func (h *Handler) StartedAt() time.Time {
	return h.startedAt
}

// Subscribe registers an observer for transcript, interrupt and debug
// events. The returned function removes it.
func (h *Handler) Subscribe(obs emitter.Observer) func() {
	return h.dispatcher.Subscribe(obs)
}

// OnReset registers fn to run after every Reset, on the delivery
// goroutine, after all events decided before the reset were delivered.
func (h *Handler) OnReset(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReset = append(h.onReset, fn)
}

// HandlePayload decodes one raw message from publisherID and feeds it to
// the engine.
func (h *Handler) HandlePayload(ctx context.Context, publisherID string, payload []byte) error {
	ctx, span := h.tracer.Start(ctx, "transcript.ingest", trace.WithAttributes(
		attribute.String("session.id", h.id),
		attribute.String("publisher.id", publisherID),
		attribute.Int("payload.bytes", len(payload)),
	))
	defer span.End()

	err := h.handlePayload(ctx, publisherID, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (h *Handler) handlePayload(ctx context.Context, publisherID string, payload []byte) error {
	if h.Released() {
		return ErrReleased
	}
	if len(payload) == 0 {
		h.metrics.RecordDropped("empty_payload")
		return ErrEmptyPayload
	}
	if h.limits.MaxPayloadBytes > 0 && len(payload) > h.limits.MaxPayloadBytes {
		h.metrics.RecordDropped("payload_too_large")
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), h.limits.MaxPayloadBytes)
	}
	h.metrics.RecordPayload(len(payload))

	rec, err := schema.Decode(payload)
	if err != nil {
		h.metrics.RecordDropped("decode_error")
		h.logger.Debug().Err(err).Str("publisherId", publisherID).Msg("Dropping undecodable payload")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return h.HandleRecord(ctx, publisherID, rec)
}

// HandleRecord feeds an already decoded message to the engine.
func (h *Handler) HandleRecord(_ context.Context, publisherID string, rec schema.Record) error {
	err := h.engine.HandleMessage(publisherID, rec)
	if errors.Is(err, transcript.ErrReleased) {
		return ErrReleased
	}
	if err != nil {
		logger := logging.WithPublisher(h.id, publisherID)
		logger.Error().Err(err).Msg("Message handling failed")
	}
	return err
}

// UpdatePresentation records the latest playback position in ms.
func (h *Handler) UpdatePresentation(ms int64) {
	h.engine.UpdatePresentation(ms)
}

// Enable turns message handling on or off.
func (h *Handler) Enable(enabled bool) {
	h.engine.Enable(enabled)
	h.logger.Info().Bool("enabled", enabled).Msg("Session enable changed")
}

// ForceMode decides the render mode before the first agent update.
func (h *Handler) ForceMode(m render.Mode) error {
	err := h.engine.ForceMode(m)
	if errors.Is(err, transcript.ErrReleased) {
		return ErrReleased
	}
	if err == nil {
		h.logger.Info().Str("mode", m.String()).Msg("Render mode forced")
	}
	return err
}

// Reset clears the engine state and returns the render mode to undecided.
func (h *Handler) Reset() error {
	if h.Released() {
		return ErrReleased
	}
	h.engine.Reset()

	h.mu.RLock()
	hooks := append([]func(){}, h.onReset...)
	h.mu.RUnlock()
	if err := h.dispatcher.Enqueue(func() {
		for _, fn := range hooks {
			fn()
		}
	}); err != nil {
		return ErrReleased
	}
	h.logger.Info().Msg("Session reset")
	return nil
}

// Release stops the engine, delivers every event decided so far, and
// stops the dispatcher. Nothing is delivered after Release returns.
// Release is idempotent.
func (h *Handler) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.engine.Release()
	h.dispatcher.Close()
	h.logger.Info().
		Dur("uptime", time.Since(h.startedAt)).
		Msg("Session released")
}

// Released reports whether Release was called.
func (h *Handler) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Done is closed once Release delivered the last event.
func (h *Handler) Done() <-chan struct{} {
	return h.dispatcher.Done()
}

// Enabled reports whether the engine accepts messages.
func (h *Handler) Enabled() bool {
	return h.engine.Enabled()
}

// State returns a diagnostic view of the engine.
func (h *Handler) State() transcript.State {
	return h.engine.Snapshot()
}
