package events

import (
	"ai-transcript-render-service/internal/service/emitter"
)

// Event types carried in the eventType field and header.
const (
	EventTypePartial   = "transcript.partial"
	EventTypeFinal     = "transcript.final"
	EventTypeInterrupt = "agent.interrupted"
)

// TranscriptMessage is the Kafka payload of a transcript update.
type TranscriptMessage struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	AgentUserID string `json:"agentUserId"`
	Seq         uint64 `json:"seq"`
	TurnID      int64  `json:"turnId"`
	UserID      string `json:"userId"`
	Text        string `json:"text"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	RenderMode  string `json:"renderMode"`
	Timestamp   int64  `json:"timestamp"`
}

// InterruptMessage is the Kafka payload of an interrupt notification.
type InterruptMessage struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	AgentUserID string `json:"agentUserId"`
	Seq         uint64 `json:"seq"`
	TurnID      int64  `json:"turnId"`
	StartMs     int64  `json:"startMs"`
	Timestamp   int64  `json:"timestamp"`
}

// NewTranscriptMessage converts a transcript event. Terminal statuses map
// to the final event type, everything else to partial.
func NewTranscriptMessage(sessionID string, e emitter.Event) TranscriptMessage {
	t := e.Transcript
	eventType := EventTypePartial
	if t.Status.IsTerminal() {
		eventType = EventTypeFinal
	}
	return TranscriptMessage{
		EventType:   eventType,
		SessionID:   sessionID,
		AgentUserID: e.AgentUserID,
		Seq:         e.Seq,
		TurnID:      t.TurnID,
		UserID:      t.UserID,
		Text:        t.Text,
		Status:      t.Status.String(),
		Type:        string(t.Type),
		RenderMode:  string(t.RenderMode),
		Timestamp:   e.Timestamp.UnixMilli(),
	}
}

// NewInterruptMessage converts an interrupt event.
func NewInterruptMessage(sessionID string, e emitter.Event) InterruptMessage {
	return InterruptMessage{
		EventType:   EventTypeInterrupt,
		SessionID:   sessionID,
		AgentUserID: e.AgentUserID,
		Seq:         e.Seq,
		TurnID:      e.Interrupt.TurnID,
		StartMs:     e.Interrupt.StartMs,
		Timestamp:   e.Timestamp.UnixMilli(),
	}
}
