package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/observability/metrics"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/transcript"
)

type collector struct {
	mu     sync.Mutex
	events []emitter.Event
}

func (c *collector) OnEvent(e emitter.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) transcripts() []models.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Transcript
	for _, e := range c.events {
		if e.Kind == emitter.KindTranscript {
			out = append(out, *e.Transcript)
		}
	}
	return out
}

func newTestHandler(t *testing.T, mode models.RenderMode) (*Handler, *collector) {
	t.Helper()
	cfg := Config{
		Engine: transcript.Config{
			PreferredMode: mode,
			TickInterval:  5 * time.Millisecond,
			Capacity:      5,
		},
		Limits: Limits{MaxPayloadBytes: 1024},
	}
	h := NewHandler(cfg, metrics.New(prometheus.NewRegistry()))
	c := &collector{}
	h.Subscribe(c)
	t.Cleanup(h.Release)
	return h, c
}

const agentTurn = `{"object":"assistant.transcription","turn_id":7,"start_ms":100,"text":"hi there","turn_status":1,"user_id":1001,
"words":[{"word":"hi","start_ms":100},{"word":" there","start_ms":300}]}`

func TestHandler_WordModeEndToEnd(t *testing.T) {
	h, c := newTestHandler(t, models.RenderWord)
	ctx := context.Background()

	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(agentTurn)))
	h.UpdatePresentation(350)

	require.Eventually(t, func() bool {
		got := c.transcripts()
		return len(got) == 1 && got[0].Status == models.StatusEnd
	}, 2*time.Second, 5*time.Millisecond)

	got := c.transcripts()[0]
	assert.Equal(t, int64(7), got.TurnID)
	assert.Equal(t, "1001", got.UserID)
	assert.Equal(t, "hi there", got.Text)
	assert.Equal(t, models.RenderWord, got.RenderMode)
}

func TestHandler_TextModeDeliversOnRelease(t *testing.T) {
	h, c := newTestHandler(t, models.RenderText)
	ctx := context.Background()

	for _, p := range []string{
		`{"object":"user.transcription","turn_id":1,"text":"hello","final":true,"user_id":"42"}`,
		`{"object":"assistant.transcription","turn_id":1,"text":"hi","turn_status":0}`,
		`{"object":"interrupt","turn_id":1,"start_ms":10}`,
		`{"object":"assistant.transcription","turn_id":1,"text":"hi again","turn_status":1}`,
	} {
		require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(p)))
	}
	h.Release()

	got := c.transcripts()
	require.Len(t, got, 2)
	assert.Equal(t, models.TranscriptUser, got[0].Type)
	assert.Equal(t, models.TranscriptAgent, got[1].Type)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 3)
	assert.Equal(t, emitter.KindInterrupt, c.events[2].Kind)
	for i := 1; i < len(c.events); i++ {
		assert.Less(t, c.events[i-1].Seq, c.events[i].Seq)
	}
}

func TestHandler_PayloadErrors(t *testing.T) {
	h, c := newTestHandler(t, models.RenderText)
	ctx := context.Background()

	err := h.HandlePayload(ctx, "agent-1", []byte(`{"text":"`+strings.Repeat("x", 2048)+`"}`))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	assert.ErrorIs(t, h.HandlePayload(ctx, "agent-1", nil), ErrEmptyPayload)
	assert.ErrorIs(t, h.HandlePayload(ctx, "agent-1", []byte(`not json`)), ErrInvalidPayload)
	assert.ErrorIs(t, h.HandlePayload(ctx, "agent-1", []byte(`[1,2]`)), ErrInvalidPayload)

	// the session keeps working
	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":1,"text":"ok"}`)))
	h.Release()
	assert.Len(t, c.transcripts(), 1)
}

type failingSink struct {
	once sync.Once
}

func (s *failingSink) Publish(e emitter.Event) (emitter.Event, error) {
	s.once.Do(func() { panic("sink failed") })
	return e, nil
}

func TestHandler_EngineErrorIsReturned(t *testing.T) {
	h, _ := newTestHandler(t, models.RenderText)
	h.engine.Release()
	h.engine = transcript.New(transcript.Config{PreferredMode: models.RenderText, TickInterval: time.Hour}, &failingSink{})
	ctx := context.Background()

	err := h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":1,"text":"boom"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReleased)

	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":2,"text":"ok"}`)))
}

func TestHandler_Release(t *testing.T) {
	h, c := newTestHandler(t, models.RenderText)
	ctx := context.Background()

	h.Release()
	h.Release()

	assert.True(t, h.Released())
	assert.ErrorIs(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"user.transcription","text":"x"}`)), ErrReleased)
	assert.ErrorIs(t, h.Reset(), ErrReleased)
	assert.Empty(t, c.transcripts())
}

func TestHandler_ResetRunsHooksAfterPendingEvents(t *testing.T) {
	h, c := newTestHandler(t, models.RenderText)
	ctx := context.Background()

	var seenAtReset int
	h.OnReset(func() {
		seenAtReset = len(c.transcripts())
	})

	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":1,"text":"one"}`)))
	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":2,"text":"two"}`)))
	require.NoError(t, h.Reset())
	h.Release()

	assert.Equal(t, 2, seenAtReset)
	assert.Equal(t, "UNDECIDED", h.State().Mode)
}

func TestHandler_Enable(t *testing.T) {
	h, c := newTestHandler(t, models.RenderText)
	ctx := context.Background()

	h.Enable(false)
	assert.False(t, h.Enabled())
	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":1,"text":"one"}`)))
	h.Enable(true)
	require.NoError(t, h.HandlePayload(ctx, "agent-1", []byte(`{"object":"assistant.transcription","turn_id":2,"text":"two"}`)))
	h.Release()

	got := c.transcripts()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].TurnID)
}

func TestHandler_ForceMode(t *testing.T) {
	h, _ := newTestHandler(t, models.RenderWord)

	require.NoError(t, h.ForceMode(render.ModeText))
	assert.Equal(t, "TEXT", h.State().Mode)
	assert.ErrorIs(t, h.ForceMode(render.ModeWord), render.ErrAlreadyResolved)

	h.Release()
	assert.ErrorIs(t, h.ForceMode(render.ModeWord), ErrReleased)
}

func TestHandler_ID(t *testing.T) {
	a, _ := newTestHandler(t, models.RenderText)
	b, _ := newTestHandler(t, models.RenderText)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.StartedAt().IsZero())
}
