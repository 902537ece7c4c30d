package emitter

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-transcript-render-service/internal/observability/logging"
	"ai-transcript-render-service/internal/observability/metrics"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("dispatcher closed")

// Observer receives events. OnEvent is always called from the dispatcher
// goroutine, one event at a time, in Seq order.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Fanout forwards every event to each observer in order.
type Fanout []Observer

// OnEvent forwards e to all observers.
func (f Fanout) OnEvent(e Event) {
	for _, o := range f {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

// Dispatcher queues events without blocking the publisher and delivers them
// to subscribed observers from one goroutine.
type Dispatcher struct {
	mu        sync.Mutex
	queue     []item
	observers []*subscription
	closed    bool

	wake chan struct{}
	done chan struct{}

	seq     *Sequence
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type subscription struct {
	obs Observer
}

// item is a queued event or a queued function.
type item struct {
	event Event
	fn    func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics reports the backlog to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		seq:    NewSequence(),
		now:    time.Now,
		logger: logging.WithComponent("emitter"),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Subscribe registers obs and returns a function removing it again.
func (d *Dispatcher) Subscribe(obs Observer) func() {
	s := &subscription{obs: obs}
	d.mu.Lock()
	observers := make([]*subscription, 0, len(d.observers)+1)
	observers = append(observers, d.observers...)
	d.observers = append(observers, s)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			observers := make([]*subscription, 0, len(d.observers))
			for _, o := range d.observers {
				if o != s {
					observers = append(observers, o)
				}
			}
			d.observers = observers
		})
	}
}

// Publish stamps e with the next sequence number and queues it.
// It never blocks on observers.
func (d *Dispatcher) Publish(e Event) (Event, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return e, ErrClosed
	}
	e.Seq = d.seq.Next()
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	d.queue = append(d.queue, item{event: e})
	pending := len(d.queue)
	d.mu.Unlock()

	d.metrics.SetPendingEvents(pending)
	d.signal()
	return e, nil
}

// Enqueue runs fn on the delivery goroutine after every event published
// before it and before any event published after it.
func (d *Dispatcher) Enqueue(fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, item{fn: fn})
	d.mu.Unlock()

	d.signal()
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued, undelivered items.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close rejects further events, delivers everything already queued, and
// waits for the delivery goroutine to exit. Must not be called from an
// observer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.signal()
	<-d.done
}

// Done is closed once the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		observers := d.observers
		closed := d.closed
		d.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
			continue
		}

		d.metrics.SetPendingEvents(0)
		for _, it := range batch {
			if it.fn != nil {
				d.call(it.fn)
				continue
			}
			for _, s := range observers {
				d.deliver(s.obs, it.event)
			}
		}
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Queued function panicked")
		}
	}()
	fn()
}

func (d *Dispatcher) deliver(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Uint64("seq", e.Seq).
				Str("kind", string(e.Kind)).
				Msg("Observer panicked")
		}
	}()
	obs.OnEvent(e)
}
