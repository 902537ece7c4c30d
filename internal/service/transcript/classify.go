package transcript

import (
	"github.com/pkg/errors"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/schema"
	"ai-transcript-render-service/internal/service/emitter"
	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/turn"
)

// Drop reasons reported to metrics.
const (
	dropDisabled      = "disabled"
	dropUnknownObject = "unknown_object"
	dropEmptyText     = "empty_text"
	dropUnknownStatus = "unknown_status"
	dropInterrupted   = "interrupted_turn"
)

// HandleMessage classifies one decoded message from publisherID and applies
// it. Malformed fields fall back to zero values; unknown tags and statuses
// are dropped. A panic while handling is recovered and returned as an
// error, leaving the engine usable.
func (e *Engine) HandleMessage(publisherID string, rec schema.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic", r).
				Str("publisherId", publisherID).
				Msg("Recovered panic while handling message")
			err = errors.Errorf("handle message: %v", r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	object := rec.String(schema.FieldObject)
	if !e.enabled.Load() {
		e.metrics.RecordDropped(dropDisabled)
		e.debugf(TagEngine, "engine disabled, dropping %q", object)
		return nil
	}

	switch models.MessageType(object) {
	case models.MessageInterrupt:
		e.metrics.RecordMessage(object)
		e.handleInterrupt(publisherID, rec)
	case models.MessageUser:
		e.metrics.RecordMessage(object)
		e.handleUser(publisherID, rec)
	case models.MessageAssistant:
		e.metrics.RecordMessage(object)
		e.handleAgent(publisherID, rec)
	default:
		e.metrics.RecordDropped(dropUnknownObject)
		e.debugf(TagEngine, "unknown message object %q", object)
	}
	return nil
}

func (e *Engine) handleInterrupt(agentUserID string, rec schema.Record) {
	ev := models.InterruptEvent{
		TurnID:  rec.Int64(schema.FieldTurnID),
		StartMs: rec.Int64(schema.FieldStartMs),
	}
	e.lastInterrupt = &ev
	e.metrics.RecordInterrupt()
	e.debugf(TagEmit, "<<< [onInterrupted] pts:%d %s turn=%d startMs=%d",
		e.presentationMs.Load(), agentUserID, ev.TurnID, ev.StartMs)
	e.publish(emitter.AgentInterrupted(agentUserID, ev))

	if e.resolver.Mode() == render.ModeWord {
		e.mergeLocked(turn.Update{
			AgentUserID: agentUserID,
			TurnID:      ev.TurnID,
			StartMs:     ev.StartMs,
			Status:      models.StatusInterrupted,
		})
	}
}

func (e *Engine) handleUser(agentUserID string, rec schema.Record) {
	text := rec.String(schema.FieldText)
	if text == "" {
		e.metrics.RecordDropped(dropEmptyText)
		e.debugf(TagEngine, "user message without text")
		return
	}
	status := models.StatusInProgress
	if rec.Bool(schema.FieldFinal) {
		status = models.StatusEnd
	}
	e.publishTranscript(agentUserID, models.Transcript{
		TurnID:     rec.Int64(schema.FieldTurnID),
		UserID:     rec.Stringify(schema.FieldUserID),
		Text:       text,
		Status:     status,
		Type:       models.TranscriptUser,
		RenderMode: e.resolver.Mode().RenderMode(e.resolver.Preferred()),
	})
}

func (e *Engine) handleAgent(agentUserID string, rec schema.Record) {
	text := rec.String(schema.FieldText)
	if text == "" {
		e.metrics.RecordDropped(dropEmptyText)
		e.debugf(TagEngine, "agent message without text")
		return
	}
	wire := rec.Int64(schema.FieldTurnStatus)
	status := models.StatusFromWire(wire)
	if status == models.StatusUnknown {
		e.metrics.RecordDropped(dropUnknownStatus)
		e.debugf(TagEngine, "unknown turn_status:%d", wire)
		return
	}

	u := turn.Update{
		AgentUserID: agentUserID,
		UserID:      rec.Stringify(schema.FieldUserID),
		TurnID:      rec.Int64(schema.FieldTurnID),
		StartMs:     rec.Int64(schema.FieldStartMs),
		Text:        text,
		Status:      status,
		Words:       parseWords(rec.Records(schema.FieldWords)),
	}

	if mode, decided := e.resolver.Resolve(len(u.Words) > 0); decided {
		e.enterModeLocked(mode)
	}

	if e.resolver.Mode() == render.ModeWord {
		e.mergeLocked(u)
		return
	}

	if e.lastInterrupt != nil && e.lastInterrupt.TurnID == u.TurnID {
		e.metrics.RecordDropped(dropInterrupted)
		e.debugf(TagEngine, "agent message but turn:%d is interrupted", u.TurnID)
		return
	}
	e.publishTranscript(agentUserID, models.Transcript{
		TurnID:     u.TurnID,
		UserID:     u.UserID,
		Text:       u.Text,
		Status:     u.Status,
		Type:       models.TranscriptAgent,
		RenderMode: models.RenderText,
	})
}

// enterModeLocked applies a freshly decided render mode. Either mode starts
// from an empty buffer with no remembered interrupt; Word mode also starts
// the ticker.
func (e *Engine) enterModeLocked(mode render.Mode) {
	e.metrics.RecordModeResolved(mode.String())
	e.debugf(TagEngine, "render mode resolved: %s (preferred %s)", mode, e.resolver.Preferred())
	e.clearLocked()
	if mode == render.ModeWord {
		e.startTickerLocked()
	}
}

func (e *Engine) mergeLocked(u turn.Update) {
	res := e.buffer.Merge(u, e.presentationMs.Load())
	switch res.Outcome {
	case turn.OutcomeStaleQueued, turn.OutcomeStaleDequeued, turn.OutcomeDuplicateInterrupt:
		e.metrics.RecordTurnDiscarded(res.Outcome.String())
		e.debugf(TagEngine, "discard turn:%d (%s) newest:%d lastDequeued:%d",
			u.TurnID, res.Outcome, res.Newest, res.LastDequeued)
		return
	case turn.OutcomeInterrupted:
		e.debugf(TagEngine, "interrupt turn:%d at %dms", u.TurnID, res.InterruptMarkMs)
	}
	if len(res.Evicted) > 0 {
		e.metrics.RecordEvicted(len(res.Evicted))
		e.debugf(TagEngine, "evicted turns %v", res.Evicted)
	}
	e.metrics.SetBufferedTurns(e.buffer.Len())
}

func parseWords(records []schema.Record) []turn.Word {
	if len(records) == 0 {
		return nil
	}
	words := make([]turn.Word, 0, len(records))
	for _, r := range records {
		words = append(words, turn.Word{
			Text:    r.String(schema.FieldWord),
			StartMs: r.Int64(schema.FieldStartMs),
		})
	}
	return words
}
