// Package render decides, once per session, whether agent transcripts are
// rendered as whole utterances or revealed word by word.
package render

import (
	"errors"
	"fmt"
	"strings"

	"ai-transcript-render-service/internal/models"
)

// Mode is the resolved render mode of a session.
type Mode int

const (
	// ModeUndecided - no agent update observed since start or reset.
	ModeUndecided Mode = iota
	// ModeText - agent updates are forwarded as they arrive.
	ModeText
	// ModeWord - agent updates are buffered and revealed against the
	// presentation clock.
	ModeWord
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeUndecided:
		return "UNDECIDED"
	case ModeText:
		return "TEXT"
	case ModeWord:
		return "WORD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", m)
	}
}

// IsResolved returns true once the mode left ModeUndecided.
func (m Mode) IsResolved() bool {
	return m == ModeText || m == ModeWord
}

// RenderMode maps a resolved mode to the value carried by transcripts.
// Undecided maps to the fallback.
func (m Mode) RenderMode(fallback models.RenderMode) models.RenderMode {
	switch m {
	case ModeText:
		return models.RenderText
	case ModeWord:
		return models.RenderWord
	default:
		return fallback
	}
}

// Errors for invalid transitions.
var (
	ErrAlreadyResolved = errors.New("render mode already resolved")
	ErrInvalidMode     = errors.New("render mode must be text or word")
)

// Resolver holds the sticky render mode of a session.
// Not safe for concurrent use; the owning engine serializes access.
//
// Transitions:
//
//	UNDECIDED ──Resolve()/Force()──→ TEXT | WORD
//	TEXT | WORD ──Reset()──→ UNDECIDED
//
// Rules:
//   - The first agent update decides: WORD only if WORD is preferred and the
//     update carries words, TEXT otherwise.
//   - Once decided, later updates never change the mode.
type Resolver struct {
	preferred models.RenderMode
	mode      Mode
}

// NewResolver creates an undecided resolver with the configured preference.
func NewResolver(preferred models.RenderMode) *Resolver {
	return &Resolver{preferred: preferred}
}

// Preferred returns the configured preference.
func (r *Resolver) Preferred() models.RenderMode {
	return r.preferred
}

// Mode returns the current mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve decides the mode if still undecided. It returns the current mode
// and whether this call made the decision.
func (r *Resolver) Resolve(hasWords bool) (Mode, bool) {
	if r.mode.IsResolved() {
		return r.mode, false
	}
	if r.preferred == models.RenderWord && hasWords {
		r.mode = ModeWord
	} else {
		r.mode = ModeText
	}
	return r.mode, true
}

// Force decides the mode explicitly. Returns ErrAlreadyResolved when the
// mode was already decided.
func (r *Resolver) Force(m Mode) error {
	if !m.IsResolved() {
		return ErrInvalidMode
	}
	if r.mode.IsResolved() {
		return ErrAlreadyResolved
	}
	r.mode = m
	return nil
}

// Reset returns the resolver to ModeUndecided.
func (r *Resolver) Reset() {
	r.mode = ModeUndecided
}

// ParseMode parses "text" or "word", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return ModeText, nil
	case "word":
		return ModeWord, nil
	default:
		return ModeUndecided, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// ParsePreference maps a config value to a render mode. Anything other
// than "text" selects word mode.
func ParsePreference(s string) models.RenderMode {
	if strings.EqualFold(strings.TrimSpace(s), "text") {
		return models.RenderText
	}
	return models.RenderWord
}
