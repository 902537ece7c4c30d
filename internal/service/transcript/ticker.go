package transcript

import (
	"sync"
	"time"

	"ai-transcript-render-service/internal/service/render"
	"ai-transcript-render-service/internal/service/turn"
)

// ticker is the handle of one running presentation ticker goroutine.
type ticker struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// halt stops the goroutine and waits for it to exit. Must be called
// without holding the engine lock. Nil-safe.
func (t *ticker) halt() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// startTickerLocked launches a ticker for Word mode. Any previous handle
// is detached; its goroutine stops on its next tick because it no longer
// matches e.ticker.
func (e *Engine) startTickerLocked() {
	if e.ticker != nil {
		old := e.ticker
		old.stopOnce.Do(func() { close(old.stop) })
	}
	t := &ticker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.ticker = t
	e.debugf(TagEngine, "start ticker every %s", e.cfg.TickInterval)
	go e.runTicker(t, e.cfg.TickInterval)
}

func (e *Engine) runTicker(t *ticker, interval time.Duration) {
	defer close(t.done)
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tk.C:
			e.tickFrom(t)
		}
	}
}

func (e *Engine) tickFrom(t *ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ticker != t {
		return
	}
	e.advanceLocked()
}

// tick evaluates the buffer once, as the ticker goroutine does.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released || e.resolver.Mode() != render.ModeWord {
		return
	}
	e.advanceLocked()
}

func (e *Engine) advanceLocked() {
	if !e.enabled.Load() {
		return
	}
	pts := e.presentationMs.Load()
	if pts <= 0 {
		return
	}

	start := time.Now()
	for _, em := range e.buffer.Advance(pts) {
		e.publishTranscript(em.AgentUserID, em.Transcript)
		if em.Reason != turn.ReasonProgress {
			e.debugf(TagEngine, "retire turn:%d (%s)", em.Transcript.TurnID, em.Reason)
		}
	}
	e.metrics.SetBufferedTurns(e.buffer.Len())
	e.metrics.RecordTick(time.Since(start).Seconds())
}
