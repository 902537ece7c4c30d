// Package mock provides a scripted conversation feed for demos and tests
// without a live agent. It produces the same wire messages a real agent
// publishes: progressive word-timed agent updates, user transcripts,
// interrupts, and a moving playback clock.
package mock

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"ai-transcript-render-service/internal/service/feed"
)

// ScriptedTurn is one user utterance followed by the agent's spoken reply.
type ScriptedTurn struct {
	User  string   // User utterance, sent as partial then final
	Reply []string // Agent reply, one entry per word
	// InterruptAt is the index of the reply word during which the user
	// barges in. Negative for an uninterrupted reply.
	InterruptAt int
}

// DefaultScript provides a sample conversation.
var DefaultScript = []ScriptedTurn{
	{
		User:        "I want to cancel my subscription",
		Reply:       strings.Fields("I can help you with that. May I have your account number?"),
		InterruptAt: -1,
	},
	{
		User:        "Yes please go ahead",
		Reply:       strings.Fields("Thanks. I found your account and your plan renews next month."),
		InterruptAt: 6,
	},
	{
		User:        "Can you help me with my account",
		Reply:       strings.Fields("Of course, your cancellation is now confirmed."),
		InterruptAt: -1,
	},
	{
		User:        "Thank you very much",
		Reply:       strings.Fields("You're welcome, have a great day!"),
		InterruptAt: -1,
	},
}

// Frame is one scheduled output of the player. A frame carries either a
// payload or a presentation position.
type Frame struct {
	AtMs           int64           `json:"atMs"`
	PublisherID    string          `json:"publisherId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PresentationMs int64           `json:"presentationMs,omitempty"`
}

// IsPresentation reports whether the frame is a clock update.
func (f Frame) IsPresentation() bool {
	return f.Payload == nil
}

// Timing controls the pace of the generated conversation.
type Timing struct {
	WordMs      int64   // Spacing of reply words on the playback clock
	LeadMs      int64   // How early an update arrives before its word is heard
	UserPauseMs int64   // Gap between the user utterance and the reply
	ClockStepMs int64   // Period of presentation updates
	Speed       float64 // Playback speed multiplier for Run
}

// DefaultTiming returns a natural speaking pace.
func DefaultTiming() Timing {
	return Timing{
		WordMs:      280,
		LeadMs:      120,
		UserPauseMs: 600,
		ClockStepMs: 40,
		Speed:       1,
	}
}

// Player implements feed.Source by playing a script.
type Player struct {
	agentID string
	userID  string
	script  []ScriptedTurn
	timing  Timing

	// fixed replaces the scripted schedule when set.
	fixed []Frame

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

var _ feed.Source = (*Player)(nil)

// New creates a player for agentID speaking to userID.
func New(agentID, userID string, script []ScriptedTurn, timing Timing) *Player {
	if len(script) == 0 {
		script = DefaultScript
	}
	def := DefaultTiming()
	if timing.WordMs <= 0 {
		timing.WordMs = def.WordMs
	}
	if timing.ClockStepMs <= 0 {
		timing.ClockStepMs = def.ClockStepMs
	}
	if timing.Speed <= 0 {
		timing.Speed = def.Speed
	}
	return &Player{
		agentID: agentID,
		userID:  userID,
		script:  script,
		timing:  timing,
	}
}

// FromFrames creates a player replaying recorded frames at speed.
func FromFrames(frames []Frame, speed float64) *Player {
	fixed := append([]Frame(nil), frames...)
	sort.SliceStable(fixed, func(i, j int) bool { return fixed[i].AtMs < fixed[j].AtMs })
	timing := DefaultTiming()
	if speed > 0 {
		timing.Speed = speed
	}
	return &Player{fixed: fixed, timing: timing}
}

// Frames returns the complete schedule, ordered by AtMs.
func (p *Player) Frames() []Frame {
	if p.fixed != nil {
		return p.fixed
	}
	t := p.timing
	var frames []Frame
	clock := int64(1000)

	for i, st := range p.script {
		turnID := int64(i + 1)

		if st.User != "" {
			words := strings.Fields(st.User)
			half := strings.Join(words[:(len(words)+1)/2], " ")
			frames = append(frames,
				p.message(clock, userMessage(turnID, p.userID, half, false)),
				p.message(clock+t.UserPauseMs/2, userMessage(turnID, p.userID, st.User, true)),
			)
			clock += t.UserPauseMs
		}

		start := clock
		words := make([]wireWord, len(st.Reply))
		for k, w := range st.Reply {
			if k > 0 {
				w = " " + w
			}
			words[k] = wireWord{Word: w, StartMs: start + int64(k)*t.WordMs}
		}

		last := len(words)
		if st.InterruptAt >= 0 && st.InterruptAt < last {
			last = st.InterruptAt + 1
		}
		for k := 1; k <= last; k++ {
			status := 0
			if k == len(words) {
				status = 1
			}
			at := words[k-1].StartMs - t.LeadMs
			frames = append(frames, p.message(at, agentMessage(turnID, p.userID, start, words[:k], status)))
		}

		end := start + int64(len(words))*t.WordMs
		if last < len(words) {
			stop := words[last-1].StartMs + t.WordMs/2
			frames = append(frames, p.message(stop, interruptMessage(turnID, stop)))
			end = stop + t.WordMs
		}
		for ms := start; ms <= end; ms += t.ClockStepMs {
			frames = append(frames, Frame{AtMs: ms, PresentationMs: ms})
		}
		clock = end + t.UserPauseMs
	}

	sort.SliceStable(frames, func(i, j int) bool { return frames[i].AtMs < frames[j].AtMs })
	return frames
}

// Run plays the script in real time, scaled by Timing.Speed.
func (p *Player) Run(ctx context.Context, cb feed.Callback) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	frames := p.Frames()
	if len(frames) == 0 {
		return nil
	}
	origin := frames[0].AtMs
	start := time.Now()

	for _, f := range frames {
		due := start.Add(time.Duration(float64(f.AtMs-origin)/p.timing.Speed) * time.Millisecond)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if f.IsPresentation() {
			cb.OnPresentation(f.PresentationMs)
		} else {
			cb.OnMessage(ctx, f.PublisherID, f.Payload)
		}
	}
	return nil
}

// Close stops a running playback.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

type wireWord struct {
	Word    string `json:"word"`
	StartMs int64  `json:"start_ms"`
}

func (p *Player) message(at int64, payload []byte) Frame {
	return Frame{AtMs: at, PublisherID: p.agentID, Payload: payload}
}

func userMessage(turnID int64, userID, text string, final bool) []byte {
	return mustJSON(map[string]any{
		"object":  "user.transcription",
		"turn_id": turnID,
		"text":    text,
		"final":   final,
		"user_id": userID,
	})
}

func agentMessage(turnID int64, userID string, startMs int64, words []wireWord, status int) []byte {
	var text strings.Builder
	for _, w := range words {
		text.WriteString(w.Word)
	}
	return mustJSON(map[string]any{
		"object":      "assistant.transcription",
		"turn_id":     turnID,
		"start_ms":    startMs,
		"text":        text.String(),
		"words":       words,
		"turn_status": status,
		"user_id":     userID,
	})
}

func interruptMessage(turnID, startMs int64) []byte {
	return mustJSON(map[string]any{
		"object":   "interrupt",
		"turn_id":  turnID,
		"start_ms": startMs,
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
