package turn

import (
	"ai-transcript-render-service/internal/models"
)

// Reason tells why Advance produced an emission.
type Reason string

const (
	// ReasonInterrupted: the last audible word of a turn was interrupted.
	ReasonInterrupted Reason = "interrupted"
	// ReasonSuperseded: a newer turn became audible over the displayed one.
	ReasonSuperseded Reason = "superseded"
	// ReasonEnd: the target turn reached its final word.
	ReasonEnd Reason = "end"
	// ReasonProgress: the target turn revealed more words.
	ReasonProgress Reason = "progress"
)

// Emission is one transcript decided by Advance.
type Emission struct {
	AgentUserID string
	Transcript  models.Transcript
	Reason      Reason
}

type audibleTurn struct {
	turn  *Turn
	words []Word
}

// Advance evaluates the buffer at presentationMs and returns the
// transcripts to emit, in order. Turns that finished, were interrupted,
// or were overtaken by a newer audible turn are removed.
func (b *Buffer) Advance(presentationMs int64) []Emission {
	if presentationMs <= 0 || len(b.turns) == 0 {
		return nil
	}

	var out []Emission
	var available []audibleTurn
	for _, t := range append([]*Turn(nil), b.turns...) {
		words := t.audible(presentationMs)
		if len(words) == 0 {
			continue
		}
		if words[len(words)-1].Status == models.StatusInterrupted {
			out = append(out, Emission{
				AgentUserID: t.AgentUserID,
				Transcript:  agentTranscript(t, joinWords(words), models.StatusInterrupted),
				Reason:      ReasonInterrupted,
			})
			b.retire(t)
			if b.current != nil && b.current.TurnID == t.TurnID {
				b.current = nil
			}
			continue
		}
		available = append(available, audibleTurn{turn: t, words: words})
	}
	if len(available) == 0 {
		return out
	}

	target := available[0]
	for _, a := range available[1:] {
		if a.turn.TurnID > target.turn.TurnID {
			target = a
		}
	}

	if len(available) > 1 {
		for _, a := range available {
			if a.turn == target.turn {
				continue
			}
			if b.current != nil && b.current.TurnID == a.turn.TurnID {
				out = append(out, Emission{
					AgentUserID: a.turn.AgentUserID,
					Transcript:  b.current.WithStatus(models.StatusInterrupted),
					Reason:      ReasonSuperseded,
				})
			}
			b.retire(a.turn)
		}
		b.current = nil
	}

	t := target.turn
	if target.words[len(target.words)-1].Status == models.StatusEnd {
		out = append(out, Emission{
			AgentUserID: t.AgentUserID,
			Transcript:  agentTranscript(t, t.Text, models.StatusEnd),
			Reason:      ReasonEnd,
		})
		b.retire(t)
		b.current = nil
		return out
	}

	tr := agentTranscript(t, joinWords(target.words), models.StatusInProgress)
	out = append(out, Emission{AgentUserID: t.AgentUserID, Transcript: tr, Reason: ReasonProgress})
	b.current = &tr
	return out
}

func (b *Buffer) retire(t *Turn) {
	b.dequeued(t.TurnID)
	b.remove(t)
}

func agentTranscript(t *Turn, text string, status models.Status) models.Transcript {
	return models.Transcript{
		TurnID:     t.TurnID,
		UserID:     t.UserID,
		Text:       text,
		Status:     status,
		Type:       models.TranscriptAgent,
		RenderMode: models.RenderWord,
	}
}
