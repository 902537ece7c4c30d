package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/service/emitter"
)

func transcriptEvent(seq uint64, turnID int64, text string, status models.Status) emitter.Event {
	e := emitter.TranscriptUpdated("agent-1", models.Transcript{
		TurnID:     turnID,
		Text:       text,
		Status:     status,
		Type:       models.TranscriptAgent,
		RenderMode: models.RenderWord,
	})
	e.Seq = seq
	e.Timestamp = time.UnixMilli(1_700_000_000_000)
	return e
}

func TestObserver_RoutesByStatus(t *testing.T) {
	p, partial, final, interrupt := newFakePublisher()
	o := p.Observer("session-1")

	o.OnEvent(transcriptEvent(1, 7, "hi", models.StatusInProgress))
	o.OnEvent(transcriptEvent(2, 7, "hi there", models.StatusEnd))
	o.OnEvent(transcriptEvent(3, 8, "so", models.StatusInterrupted))
	ie := emitter.AgentInterrupted("agent-1", models.InterruptEvent{TurnID: 8, StartMs: 400})
	ie.Seq = 4
	o.OnEvent(ie)
	o.OnEvent(emitter.DebugLogged("tag", "ignored"))
	o.Close()

	require.Len(t, partial.messages(), 1)
	require.Len(t, final.messages(), 2)
	require.Len(t, interrupt.messages(), 1)

	var msg TranscriptMessage
	require.NoError(t, json.Unmarshal(final.messages()[0].Value, &msg))
	assert.Equal(t, TranscriptMessage{
		EventType:   EventTypeFinal,
		SessionID:   "session-1",
		AgentUserID: "agent-1",
		Seq:         2,
		TurnID:      7,
		Text:        "hi there",
		Status:      "END",
		Type:        "AGENT",
		RenderMode:  "Word",
		Timestamp:   1_700_000_000_000,
	}, msg)

	var im InterruptMessage
	require.NoError(t, json.Unmarshal(interrupt.messages()[0].Value, &im))
	assert.Equal(t, int64(400), im.StartMs)
	assert.Equal(t, "agent-1", string(interrupt.messages()[0].Key))
}

func TestObserver_DeduplicatesRepeatedPartials(t *testing.T) {
	p, partial, _, _ := newFakePublisher()
	o := p.Observer("session-1")

	o.OnEvent(transcriptEvent(1, 7, "hi", models.StatusInProgress))
	o.OnEvent(transcriptEvent(2, 7, "hi", models.StatusInProgress))
	o.OnEvent(transcriptEvent(3, 7, "hi", models.StatusInProgress))
	o.OnEvent(transcriptEvent(4, 7, "hi there", models.StatusInProgress))
	o.OnEvent(transcriptEvent(5, 7, "hi there", models.StatusEnd))
	// a new turn with the same text is not a duplicate
	o.OnEvent(transcriptEvent(6, 8, "hi there", models.StatusInProgress))
	o.Close()

	msgs := partial.messages()
	require.Len(t, msgs, 3)
	var last TranscriptMessage
	require.NoError(t, json.Unmarshal(msgs[2].Value, &last))
	assert.Equal(t, int64(8), last.TurnID)
}

func TestObserver_PublishFailureIsNotFatal(t *testing.T) {
	p, partial, final, _ := newFakePublisher()
	partial.err = assert.AnError
	o := p.Observer("session-1")

	assert.NotPanics(t, func() {
		o.OnEvent(transcriptEvent(1, 7, "hi", models.StatusInProgress))
		o.OnEvent(transcriptEvent(2, 7, "hi", models.StatusEnd))
	})
	o.Close()
	assert.Len(t, final.messages(), 1)
}

func TestObserver_SlowBrokerDoesNotBlockDelivery(t *testing.T) {
	p, partial, final, _ := newFakePublisher()
	partial.block = make(chan struct{})
	o := p.Observer("session-1")

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		o.OnEvent(transcriptEvent(1, 7, "hi", models.StatusInProgress))
		o.OnEvent(transcriptEvent(2, 7, "hi there", models.StatusInProgress))
		o.OnEvent(transcriptEvent(3, 7, "hi there", models.StatusEnd))
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked on the Kafka writer")
	}
	assert.Empty(t, final.messages())

	close(partial.block)
	require.NoError(t, p.Close())

	msgs := partial.messages()
	require.Len(t, msgs, 2)
	var first TranscriptMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &first))
	assert.Equal(t, "hi", first.Text)
	assert.Len(t, final.messages(), 1)
	assert.True(t, final.closed)
}

func TestObserver_DropsWhenQueueFull(t *testing.T) {
	p, partial, _, _ := newFakePublisher()
	partial.block = make(chan struct{})
	o := p.newObserver("session-1", 1)

	o.OnEvent(transcriptEvent(1, 1, "a", models.StatusInProgress))
	// wait until the writer holds the first event
	require.Eventually(t, func() bool { return len(o.queue) == 0 }, time.Second, time.Millisecond)
	o.OnEvent(transcriptEvent(2, 2, "b", models.StatusInProgress))
	o.OnEvent(transcriptEvent(3, 3, "c", models.StatusInProgress))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.KafkaPublishErrors.WithLabelValues("test.partial", EventTypePartial)))

	close(partial.block)
	o.Close()
	assert.Len(t, partial.messages(), 2)

	o.OnEvent(transcriptEvent(4, 4, "d", models.StatusInProgress))
	assert.Len(t, partial.messages(), 2, "events after Close are ignored")
}
