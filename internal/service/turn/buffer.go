package turn

import (
	"ai-transcript-render-service/internal/models"
)

// DefaultCapacity is the number of most recent turns kept in the buffer.
const DefaultCapacity = 5

// Outcome describes what Merge did with an update.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeMerged
	OutcomeInterrupted
	OutcomeStaleQueued
	OutcomeStaleDequeued
	OutcomeDuplicateInterrupt
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeMerged:
		return "merged"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeStaleQueued:
		return "stale_queued"
	case OutcomeStaleDequeued:
		return "stale_dequeued"
	case OutcomeDuplicateInterrupt:
		return "duplicate_interrupt"
	default:
		return "unknown"
	}
}

// Accepted reports whether the update changed the buffer.
func (o Outcome) Accepted() bool {
	return o == OutcomeCreated || o == OutcomeMerged || o == OutcomeInterrupted
}

// MergeResult reports the outcome of a Merge call.
type MergeResult struct {
	Outcome Outcome
	// Evicted lists turn ids dropped to respect the capacity, oldest first.
	Evicted []int64
	// InterruptMarkMs is the effective interruption boundary, set only for
	// OutcomeInterrupted.
	InterruptMarkMs int64
	// Newest and LastDequeued are the ids the update was checked against.
	Newest       int64
	LastDequeued int64
}

// Buffer is the capacity-bounded, insertion-ordered collection of agent
// turns together with its derived pointers.
type Buffer struct {
	capacity int
	turns    []*Turn

	lastDequeued int64
	hasDequeued  bool
	current      *models.Transcript
}

// NewBuffer creates a buffer holding at most capacity turns. A
// non-positive capacity selects DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Capacity returns the maximum number of buffered turns.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Len returns the number of buffered turns.
func (b *Buffer) Len() int {
	return len(b.turns)
}

// Turn returns a copy of the buffered turn with the given id.
func (b *Buffer) Turn(turnID int64) (Turn, bool) {
	if i := b.index(turnID); i >= 0 {
		return b.turns[i].clone(), true
	}
	return Turn{}, false
}

// Turns returns copies of all buffered turns, oldest first.
func (b *Buffer) Turns() []Turn {
	out := make([]Turn, 0, len(b.turns))
	for _, t := range b.turns {
		out = append(out, t.clone())
	}
	return out
}

// LastDequeued returns the highest turn id retired by Advance.
func (b *Buffer) LastDequeued() (int64, bool) {
	return b.lastDequeued, b.hasDequeued
}

// Current returns the transcript currently on display, if any.
func (b *Buffer) Current() (models.Transcript, bool) {
	if b.current == nil {
		return models.Transcript{}, false
	}
	return *b.current, true
}

// Reset drops every turn and clears the derived pointers.
func (b *Buffer) Reset() {
	b.turns = nil
	b.lastDequeued = 0
	b.hasDequeued = false
	b.current = nil
}

// Merge folds u into the buffer. presentationMs is the current playback
// position, used to place the boundary of an interruption.
func (b *Buffer) Merge(u Update, presentationMs int64) MergeResult {
	res := MergeResult{LastDequeued: b.lastDequeued}

	newest, ok := b.newest()
	res.Newest = newest
	if ok && u.TurnID < newest {
		res.Outcome = OutcomeStaleQueued
		return res
	}
	if b.hasDequeued && u.TurnID <= b.lastDequeued {
		res.Outcome = OutcomeStaleDequeued
		return res
	}

	var existing *Turn
	if i := b.index(u.TurnID); i >= 0 {
		existing = b.turns[i]
		if u.Status == models.StatusInterrupted && existing.Status == models.StatusInterrupted {
			res.Outcome = OutcomeDuplicateInterrupt
			return res
		}
		b.removeAt(i)
	}

	var merged *Turn
	switch {
	case existing == nil:
		merged = &Turn{
			AgentUserID: u.AgentUserID,
			UserID:      u.UserID,
			TurnID:      u.TurnID,
			StartMs:     u.StartMs,
			Text:        u.Text,
			Status:      u.Status,
			Words:       normalizeWords(u.Words),
		}
		merged.contaminate()
		if merged.Status == models.StatusEnd {
			merged.markEnd()
		}
		res.Outcome = OutcomeCreated
	case u.Status == models.StatusInterrupted:
		res.InterruptMarkMs = min(u.StartMs, presentationMs)
		merged = interrupt(existing, u, res.InterruptMarkMs)
		res.Outcome = OutcomeInterrupted
	default:
		merged = mergeWords(existing, u)
		res.Outcome = OutcomeMerged
	}

	b.turns = append(b.turns, merged)
	for len(b.turns) > b.capacity {
		res.Evicted = append(res.Evicted, b.turns[0].TurnID)
		b.removeAt(0)
	}
	return res
}

// interrupt marks every word at or after markMs as interrupted, and also
// the last word starting at or before markMs, so the boundary lands on a
// word that was already reached.
func interrupt(existing *Turn, u Update, markMs int64) *Turn {
	t := existing.clone()
	lastBefore := -1
	for i := range t.Words {
		if t.Words[i].StartMs <= markMs {
			lastBefore = i
		}
		if t.Words[i].StartMs >= markMs {
			t.Words[i].Status = models.StatusInterrupted
		}
	}
	if lastBefore >= 0 {
		t.Words[lastBefore].Status = models.StatusInterrupted
	}
	if u.AgentUserID != "" {
		t.AgentUserID = u.AgentUserID
	}
	if u.UserID != "" {
		t.UserID = u.UserID
	}
	t.Status = models.StatusInterrupted
	return &t
}

// mergeWords folds u into a copy of existing. An END update does not
// overwrite a last word that is already INTERRUPTED, so a turn cut off
// mid-word still renders as interrupted once it ends.
func mergeWords(existing *Turn, u Update) *Turn {
	t := existing.clone()
	if n := len(t.Words); n > 0 && t.Words[n-1].Status == models.StatusEnd {
		t.Words[n-1].Status = models.StatusInProgress
	}

	known := make(map[int64]struct{}, len(t.Words)+len(u.Words))
	for _, w := range t.Words {
		known[w.StartMs] = struct{}{}
	}
	for _, w := range u.Words {
		if _, dup := known[w.StartMs]; dup {
			continue
		}
		known[w.StartMs] = struct{}{}
		t.Words = append(t.Words, w)
	}
	t.Words = normalizeWords(t.Words)

	if u.StartMs >= existing.StartMs {
		t.AgentUserID = u.AgentUserID
		t.StartMs = u.StartMs
		t.Text = u.Text
		t.Status = u.Status
	}
	if u.UserID != "" {
		t.UserID = u.UserID
	}

	t.contaminate()
	if t.Status == models.StatusEnd {
		t.markEnd()
	}
	return &t
}

func (b *Buffer) newest() (int64, bool) {
	if len(b.turns) == 0 {
		return 0, false
	}
	newest := b.turns[0].TurnID
	for _, t := range b.turns[1:] {
		if t.TurnID > newest {
			newest = t.TurnID
		}
	}
	return newest, true
}

func (b *Buffer) index(turnID int64) int {
	for i, t := range b.turns {
		if t.TurnID == turnID {
			return i
		}
	}
	return -1
}

func (b *Buffer) removeAt(i int) {
	b.turns = append(b.turns[:i], b.turns[i+1:]...)
}

func (b *Buffer) remove(t *Turn) {
	for i, bt := range b.turns {
		if bt == t {
			b.removeAt(i)
			return
		}
	}
}

func (b *Buffer) dequeued(turnID int64) {
	if !b.hasDequeued || turnID > b.lastDequeued {
		b.lastDequeued = turnID
	}
	b.hasDequeued = true
}
