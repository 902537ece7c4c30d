// Package emitter delivers engine decisions to observers on a single,
// totally ordered delivery goroutine.
package emitter

import (
	"fmt"
	"sync/atomic"
	"time"

	"ai-transcript-render-service/internal/models"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindTranscript Kind = "transcript.updated"
	KindInterrupt  Kind = "agent.interrupted"
	KindDebugLog   Kind = "debug.log"
)

// Event is one outbound notification. Exactly one of Transcript, Interrupt
// or Log is set, matching Kind.
type Event struct {
	Seq         uint64                 `json:"seq"`
	Kind        Kind                   `json:"kind"`
	AgentUserID string                 `json:"agentUserId,omitempty"`
	Transcript  *models.Transcript     `json:"transcript,omitempty"`
	Interrupt   *models.InterruptEvent `json:"interrupt,omitempty"`
	Log         *models.DebugLog       `json:"log,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// TranscriptUpdated wraps a transcript decided by the engine.
func TranscriptUpdated(agentUserID string, t models.Transcript) Event {
	return Event{Kind: KindTranscript, AgentUserID: agentUserID, Transcript: &t}
}

// AgentInterrupted wraps an interrupt notification from agentUserID.
func AgentInterrupted(agentUserID string, e models.InterruptEvent) Event {
	return Event{Kind: KindInterrupt, AgentUserID: agentUserID, Interrupt: &e}
}

// DebugLogged wraps a diagnostic line.
func DebugLogged(tag, message string) Event {
	return Event{Kind: KindDebugLog, Log: &models.DebugLog{Tag: tag, Message: message}}
}

// String returns a short human readable form, used in logs.
func (e Event) String() string {
	switch e.Kind {
	case KindTranscript:
		if e.Transcript == nil {
			break
		}
		return fmt.Sprintf("#%d %s turn=%d %s %s %q", e.Seq, e.Kind,
			e.Transcript.TurnID, e.Transcript.Type, e.Transcript.Status, e.Transcript.Text)
	case KindInterrupt:
		if e.Interrupt == nil {
			break
		}
		return fmt.Sprintf("#%d %s turn=%d startMs=%d", e.Seq, e.Kind, e.Interrupt.TurnID, e.Interrupt.StartMs)
	case KindDebugLog:
		if e.Log == nil {
			break
		}
		return fmt.Sprintf("#%d %s [%s] %s", e.Seq, e.Kind, e.Log.Tag, e.Log.Message)
	}
	return fmt.Sprintf("#%d %s", e.Seq, e.Kind)
}

// Sequence hands out increasing event sequence numbers.
type Sequence struct {
	counter uint64
}

// NewSequence creates a sequence starting at 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// Last returns the most recently issued number, 0 if none.
func (s *Sequence) Last() uint64 {
	return atomic.LoadUint64(&s.counter)
}
