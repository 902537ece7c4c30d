// Package models defines the data structures exchanged with transcript consumers.
package models

import "fmt"

// MessageType is the "object" tag of an inbound transcription message.
type MessageType string

const (
	MessageInterrupt MessageType = "interrupt"
	MessageUser      MessageType = "user.transcription"
	MessageAssistant MessageType = "assistant.transcription"
)

// Status is the lifecycle status of a turn, a word, or an emitted transcript.
type Status int

const (
	StatusInProgress Status = iota
	StatusEnd
	StatusInterrupted
	// StatusUnknown is never stored; messages mapping to it are dropped.
	StatusUnknown
)

// StatusFromWire maps the turn_status wire value (0/1/2) to a Status.
func StatusFromWire(v int64) Status {
	switch v {
	case 0:
		return StatusInProgress
	case 1:
		return StatusEnd
	case 2:
		return StatusInterrupted
	default:
		return StatusUnknown
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusEnd:
		return "END"
	case StatusInterrupted:
		return "INTERRUPTED"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether no further updates are expected after s.
func (s Status) IsTerminal() bool {
	return s == StatusEnd || s == StatusInterrupted
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText. UNKNOWN is
// rejected since it is never emitted.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "IN_PROGRESS":
		*s = StatusInProgress
	case "END":
		*s = StatusEnd
	case "INTERRUPTED":
		*s = StatusInterrupted
	default:
		return fmt.Errorf("unknown transcript status %q", text)
	}
	return nil
}

// TranscriptType identifies the speaker role of a transcript.
type TranscriptType string

const (
	TranscriptUser  TranscriptType = "USER"
	TranscriptAgent TranscriptType = "AGENT"
)

// RenderMode is the granularity transcripts are rendered with.
type RenderMode string

const (
	RenderText RenderMode = "Text"
	RenderWord RenderMode = "Word"
)

// Transcript is an immutable snapshot handed to consumers.
type Transcript struct {
	TurnID     int64          `json:"turnId"`
	UserID     string         `json:"userId"`
	Text       string         `json:"text"`
	Status     Status         `json:"status"`
	Type       TranscriptType `json:"type"`
	RenderMode RenderMode     `json:"renderMode"`
}

// WithStatus returns a copy of t carrying status s.
func (t Transcript) WithStatus(s Status) Transcript {
	t.Status = s
	return t
}

// InterruptEvent signals that agent speech for a turn stopped at StartMs.
type InterruptEvent struct {
	TurnID  int64 `json:"turnId"`
	StartMs int64 `json:"startMs"`
}

// DebugLog is a non-authoritative diagnostic line.
type DebugLog struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}
