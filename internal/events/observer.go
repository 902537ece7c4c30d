package events

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/service/emitter"
)

const (
	publishTimeout    = 10 * time.Second
	observerQueueSize = 1024
)

// ErrQueueFull is recorded for events dropped because the observer's
// publish queue was full.
var ErrQueueFull = errors.New("kafka publish queue full")

type outbound struct {
	eventType string
	key       string
	seq       uint64
	msg       any
}

// Observer forwards dispatcher events of one session to the publisher.
// The ticker re-emits the displayed partial every period; identical
// consecutive partials of an agent are published once.
//
// OnEvent only queues; a separate goroutine writes to Kafka in order, so
// a slow broker never holds up the other observers of the dispatcher.
type Observer struct {
	publisher *Publisher
	sessionID string
	logger    zerolog.Logger

	// Only touched from the dispatcher goroutine.
	lastPartial map[string]TranscriptMessage

	mu     sync.Mutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// Observer returns an emitter observer publishing events of sessionID.
// Close on the publisher drains it.
func (p *Publisher) Observer(sessionID string) *Observer {
	return p.newObserver(sessionID, observerQueueSize)
}

func (p *Publisher) newObserver(sessionID string, size int) *Observer {
	o := &Observer{
		publisher:   p,
		sessionID:   sessionID,
		logger:      logging.WithSession(sessionID).With().Str("component", "kafka-observer").Logger(),
		lastPartial: make(map[string]TranscriptMessage),
		queue:       make(chan outbound, size),
		done:        make(chan struct{}),
	}
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()

	go o.run()
	return o
}

// OnEvent queues transcript and interrupt events; debug logs are
// skipped.
func (o *Observer) OnEvent(e emitter.Event) {
	switch {
	case e.Kind == emitter.KindTranscript && e.Transcript != nil:
		msg := NewTranscriptMessage(o.sessionID, e)
		if msg.EventType == EventTypeFinal {
			delete(o.lastPartial, e.AgentUserID)
		} else {
			if o.duplicate(msg) {
				return
			}
			o.lastPartial[e.AgentUserID] = msg
		}
		o.enqueue(outbound{eventType: msg.EventType, key: e.AgentUserID, seq: e.Seq, msg: msg})
	case e.Kind == emitter.KindInterrupt && e.Interrupt != nil:
		o.enqueue(outbound{
			eventType: EventTypeInterrupt,
			key:       e.AgentUserID,
			seq:       e.Seq,
			msg:       NewInterruptMessage(o.sessionID, e),
		})
	}
}

func (o *Observer) enqueue(out outbound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- out:
	default:
		o.publisher.metrics.RecordKafkaPublish(o.publisher.topicFor(out.eventType), out.eventType, ErrQueueFull, 0)
		o.logger.Warn().
			Uint64("seq", out.seq).
			Str("eventType", out.eventType).
			Msg("Dropping event, publish queue full")
	}
}

func (o *Observer) run() {
	defer close(o.done)
	for out := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := o.publisher.publishType(ctx, out.eventType, out.key, out.msg)
		cancel()
		if err != nil {
			o.logger.Warn().Err(err).Uint64("seq", out.seq).Msg("Dropping event after publish failure")
		}
	}
}

// Close stops accepting events and waits until the queued ones are
// written. It is idempotent.
func (o *Observer) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
}

func (o *Observer) duplicate(msg TranscriptMessage) bool {
	last, ok := o.lastPartial[msg.AgentUserID]
	return ok &&
		last.TurnID == msg.TurnID &&
		last.Type == msg.Type &&
		last.Status == msg.Status &&
		last.Text == msg.Text
}
