// Package transcript reconciles a streamed, partial and revocable
// transcription feed into ordered transcript snapshots for the user and
// agent roles.
//
// An Engine owns the agent turn buffer, the render mode, the last
// interrupt and the ticker handle behind a single lock. Inbound messages
// and ticks each run as one critical section, and every decision is
// handed to the Sink inside that section so observers see them in the
// order they were made.
package transcript

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/turn"
)

// DefaultTickInterval is the period of the presentation ticker.
const DefaultTickInterval = 200 * time.Millisecond

// Debug log tags.
const (
	TagEngine = "transcript"
	TagEmit   = "transcript.emit"
)

// ErrReleased is returned by HandleMessage after Release.
var ErrReleased = errors.New("transcript engine released")

// Sink receives the engine's outbound events. Publish must not block.
type Sink interface {
	Publish(emitter.Event) (emitter.Event, error)
}

// Config holds engine configuration.
type Config struct {
	// PreferredMode is the render mode requested for agent transcripts.
	// Word mode is only entered when agent updates carry words.
	PreferredMode models.RenderMode
	TickInterval  time.Duration
	// Capacity bounds the number of buffered agent turns.
	Capacity int
	// DebugEvents forwards diagnostics to the sink as debug.log events in
	// addition to the logger.
	DebugEvents bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PreferredMode: models.RenderWord,
		TickInterval:  DefaultTickInterval,
		Capacity:      turn.DefaultCapacity,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the transcript reconciliation engine of one session.
type Engine struct {
	cfg     Config
	sink    Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	buffer        *turn.Buffer
	resolver      *render.Resolver
	lastInterrupt *models.InterruptEvent
	ticker        *ticker
	released      bool

	presentationMs atomic.Int64
	enabled        atomic.Bool
}

// New creates an enabled engine publishing to sink.
func New(cfg Config, sink Sink, opts ...Option) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = turn.DefaultCapacity
	}
	if cfg.PreferredMode == "" {
		cfg.PreferredMode = models.RenderWord
	}
	e := &Engine{
		cfg:      cfg,
		sink:     sink,
		logger:   logging.WithComponent("transcript-engine"),
		buffer:   turn.NewBuffer(cfg.Capacity),
		resolver: render.NewResolver(cfg.PreferredMode),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.enabled.Store(true)
	return e
}

// Enable turns message handling and ticking on or off. While disabled,
// inbound messages are dropped and ticks do nothing; buffered state is
// kept.
func (e *Engine) Enable(enabled bool) {
	e.enabled.Store(enabled)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debugf(TagEngine, ">>> enable %t", enabled)
}

// Enabled reports whether the engine is enabled.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Mode returns the current render mode.
func (e *Engine) Mode() render.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolver.Mode()
}

// UpdatePresentation records the latest playback position. Non-positive
// values are ignored.
func (e *Engine) UpdatePresentation(ms int64) {
	if ms > 0 {
		e.presentationMs.Store(ms)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolver.Mode() == render.ModeWord {
		e.debugf(TagEngine, "<<< [!] presentation timestamp is %d", ms)
	}
}

// PresentationMs returns the last valid playback position, 0 if unknown.
func (e *Engine) PresentationMs() int64 {
	return e.presentationMs.Load()
}

// ForceMode decides the render mode before the first agent update. It
// fails with render.ErrAlreadyResolved once the mode is decided; Reset
// returns the engine to undecided.
func (e *Engine) ForceMode(m render.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	if err := e.resolver.Force(m); err != nil {
		return err
	}
	e.enterModeLocked(m)
	return nil
}

// Reset clears the buffer and every derived pointer, returns the render
// mode to undecided and stops the ticker. No tick runs after Reset
// returns.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.debugf(TagEngine, ">>> reset")
	t := e.resetLocked()
	e.mu.Unlock()

	t.halt()
}

// Release resets the engine and permanently stops it. Later messages are
// rejected with ErrReleased. Release is idempotent.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.debugf(TagEngine, ">>> release")
	t := e.resetLocked()
	e.released = true
	e.mu.Unlock()

	t.halt()
}

// Released reports whether Release was called.
func (e *Engine) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// State is a point-in-time view of the engine, for diagnostics.
type State struct {
	Mode           string                 `json:"mode"`
	Enabled        bool                   `json:"enabled"`
	PresentationMs int64                  `json:"presentationMs"`
	LastInterrupt  *models.InterruptEvent `json:"lastInterrupt,omitempty"`
	LastDequeued   *int64                 `json:"lastDequeued,omitempty"`
	Current        *models.Transcript     `json:"current,omitempty"`
	Turns          []TurnState            `json:"turns"`
}

// TurnState summarizes one buffered turn.
type TurnState struct {
	TurnID      int64  `json:"turnId"`
	AgentUserID string `json:"agentUserId"`
	Status      string `json:"status"`
	Words       int    `json:"words"`
	Text        string `json:"text"`
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Mode:           e.resolver.Mode().String(),
		Enabled:        e.enabled.Load(),
		PresentationMs: e.presentationMs.Load(),
		Turns:          []TurnState{},
	}
	if e.lastInterrupt != nil {
		ev := *e.lastInterrupt
		s.LastInterrupt = &ev
	}
	if id, ok := e.buffer.LastDequeued(); ok {
		s.LastDequeued = &id
	}
	if cur, ok := e.buffer.Current(); ok {
		s.Current = &cur
	}
	for _, t := range e.buffer.Turns() {
		s.Turns = append(s.Turns, TurnState{
			TurnID:      t.TurnID,
			AgentUserID: t.AgentUserID,
			Status:      t.Status.String(),
			Words:       len(t.Words),
			Text:        t.Text,
		})
	}
	return s
}

func (e *Engine) resetLocked() *ticker {
	e.resolver.Reset()
	e.clearLocked()
	e.presentationMs.Store(0)
	t := e.ticker
	e.ticker = nil
	e.metrics.SetBufferedTurns(0)
	return t
}

func (e *Engine) clearLocked() {
	e.buffer.Reset()
	e.lastInterrupt = nil
}

func (e *Engine) publish(ev emitter.Event) {
	if e.sink == nil {
		return
	}
	if _, err := e.sink.Publish(ev); err != nil && !errors.Is(err, emitter.ErrClosed) {
		e.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to publish event")
	}
}

func (e *Engine) publishTranscript(agentUserID string, t models.Transcript) {
	e.metrics.RecordTranscript(string(t.Type), t.Status.String(), string(t.RenderMode))
	e.debugf(TagEmit, "<<< [onTranscriptUpdated] pts:%d %s turn=%d %s %s %q",
		e.presentationMs.Load(), agentUserID, t.TurnID, t.Type, t.Status, t.Text)
	e.publish(emitter.TranscriptUpdated(agentUserID, t))
}

// debugf writes a diagnostic line to the logger and, when configured, to
// the sink. Callers hold e.mu so debug events keep their place in the
// event order.
func (e *Engine) debugf(tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Debug().Str("tag", tag).Msg(msg)
	if e.cfg.DebugEvents {
		e.publish(emitter.DebugLogged(tag, msg))
	}
}
