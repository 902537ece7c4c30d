package turn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-transcript-render-service/internal/models"
)

func w(text string, startMs int64) Word {
	return Word{Text: text, StartMs: startMs}
}

func agentUpdate(turnID, startMs int64, text string, status models.Status, words ...Word) Update {
	return Update{
		AgentUserID: "agent-1",
		UserID:      "user-1",
		TurnID:      turnID,
		StartMs:     startMs,
		Text:        text,
		Status:      status,
		Words:       words,
	}
}

func interruptUpdate(turnID, startMs int64) Update {
	return Update{AgentUserID: "agent-1", TurnID: turnID, StartMs: startMs, Status: models.StatusInterrupted}
}

func statuses(words []Word) []models.Status {
	out := make([]models.Status, 0, len(words))
	for _, w := range words {
		out = append(out, w.Status)
	}
	return out
}

func TestMerge_CreatesTurn(t *testing.T) {
	b := NewBuffer(0)

	res := b.Merge(agentUpdate(7, 100, "hi", models.StatusInProgress, w("hi", 100)), 0)

	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, DefaultCapacity, b.Capacity())
	got, ok := b.Turn(7)
	require.True(t, ok)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, []Word{{Text: "hi", StartMs: 100, Status: models.StatusInProgress}}, got.Words)
}

func TestMerge_NewEndTurnMarksLastWord(t *testing.T) {
	b := NewBuffer(5)

	b.Merge(agentUpdate(1, 0, "a b", models.StatusEnd, w("a", 0), w(" b", 50)), 0)

	got, _ := b.Turn(1)
	assert.Equal(t, []models.Status{models.StatusInProgress, models.StatusEnd}, statuses(got.Words))
}

func TestMerge_NewTurnWordsSortedAndDeduplicated(t *testing.T) {
	b := NewBuffer(5)

	b.Merge(agentUpdate(1, 0, "x", models.StatusInProgress, w("c", 300), w("a", 100), w("dup", 100), w("b", 200)), 0)

	got, _ := b.Turn(1)
	require.Len(t, got.Words, 3)
	assert.Equal(t, "a", got.Words[0].Text, "first arrival wins for a shared start")
	assert.Equal(t, "b", got.Words[1].Text)
	assert.Equal(t, "c", got.Words[2].Text)
}

func TestMerge_IdenticalUpdateDoesNotDuplicateWords(t *testing.T) {
	b := NewBuffer(5)
	u := agentUpdate(7, 100, "hi there", models.StatusInProgress, w("hi", 100), w(" there", 300))

	b.Merge(u, 0)
	res := b.Merge(u, 0)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	got, _ := b.Turn(7)
	assert.Len(t, got.Words, 2)
	assert.Equal(t, 1, b.Len())
}

func TestMerge_AppendsAndSortsNewWords(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "hi", models.StatusInProgress, w("hi", 100), w(" you", 500)), 0)

	b.Merge(agentUpdate(7, 100, "hi there you", models.StatusEnd, w("hi", 100), w(" there", 300)), 0)

	got, _ := b.Turn(7)
	require.Len(t, got.Words, 3)
	assert.Equal(t, []int64{100, 300, 500}, []int64{got.Words[0].StartMs, got.Words[1].StartMs, got.Words[2].StartMs})
	assert.Equal(t, "hi there you", got.Text)
	assert.Equal(t, models.StatusEnd, got.Status)
	assert.Equal(t, []models.Status{models.StatusInProgress, models.StatusInProgress, models.StatusEnd}, statuses(got.Words))
}

func TestMerge_OlderStartKeepsHeader(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 200, "newer text", models.StatusInProgress, w("a", 200)), 0)

	b.Merge(agentUpdate(7, 100, "older text", models.StatusEnd, w("z", 100)), 0)

	got, _ := b.Turn(7)
	assert.Equal(t, "newer text", got.Text)
	assert.Equal(t, int64(200), got.StartMs)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Len(t, got.Words, 2, "merged words are kept regardless of header choice")
}

func TestMerge_EndFlagMovesToNewLastWord(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "a", models.StatusEnd, w("a", 100)), 0)

	b.Merge(agentUpdate(7, 100, "a b", models.StatusEnd, w("a", 100), w(" b", 200)), 0)

	got, _ := b.Turn(7)
	assert.Equal(t, []models.Status{models.StatusInProgress, models.StatusEnd}, statuses(got.Words))
}

func TestMerge_InterruptBoundaryRoundsDown(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "hi there", models.StatusInProgress, w("hi", 100), w(" there", 300)), 0)

	res := b.Merge(interruptUpdate(7, 250), 200)

	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, int64(200), res.InterruptMarkMs)
	got, _ := b.Turn(7)
	assert.Equal(t, models.StatusInterrupted, got.Status)
	assert.Equal(t, "hi there", got.Text, "header is retained from the prior version")
	assert.Equal(t, int64(100), got.StartMs)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []models.Status{models.StatusInterrupted, models.StatusInterrupted}, statuses(got.Words))
}

func TestMerge_InterruptUsesEarlierOfStartAndPresentation(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(3, 0, "abcd", models.StatusInProgress, w("a", 0), w("b", 100), w("c", 200), w("d", 300)), 0)

	res := b.Merge(interruptUpdate(3, 150), 1000)

	assert.Equal(t, int64(150), res.InterruptMarkMs)
	got, _ := b.Turn(3)
	assert.Equal(t, []models.Status{
		models.StatusInProgress,
		models.StatusInterrupted,
		models.StatusInterrupted,
		models.StatusInterrupted,
	}, statuses(got.Words))
}

func TestMerge_InterruptOnExactWordStart(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(3, 0, "abc", models.StatusInProgress, w("a", 0), w("b", 100), w("c", 200)), 0)

	b.Merge(interruptUpdate(3, 100), 5000)

	got, _ := b.Turn(3)
	assert.Equal(t, []models.Status{
		models.StatusInProgress,
		models.StatusInterrupted,
		models.StatusInterrupted,
	}, statuses(got.Words))
}

func TestMerge_DuplicateInterruptDiscarded(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "hi", models.StatusInProgress, w("hi", 100)), 0)
	b.Merge(interruptUpdate(7, 100), 150)

	res := b.Merge(interruptUpdate(7, 50), 150)

	assert.Equal(t, OutcomeDuplicateInterrupt, res.Outcome)
	assert.Equal(t, 1, b.Len())
}

func TestMerge_InterruptForUnknownTurnCreatesEmptyTurn(t *testing.T) {
	b := NewBuffer(5)

	res := b.Merge(interruptUpdate(9, 100), 150)

	assert.Equal(t, OutcomeCreated, res.Outcome)
	got, ok := b.Turn(9)
	require.True(t, ok)
	assert.Empty(t, got.Words)
	assert.Equal(t, models.StatusInterrupted, got.Status)
}

func TestMerge_LaterWordsInheritInterruption(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(4, 0, "ab", models.StatusInProgress, w("a", 0), w("b", 100)), 0)
	b.Merge(interruptUpdate(4, 100), 100)

	b.Merge(agentUpdate(4, 0, "abcd", models.StatusInProgress, w("c", 200), w("d", 300)), 0)

	got, _ := b.Turn(4)
	require.Len(t, got.Words, 4)
	assert.Equal(t, models.StatusInterrupted, got.Words[2].Status)
	assert.Equal(t, models.StatusInterrupted, got.Words[3].Status)
}

func TestMerge_EndKeepsInterruptedLastWord(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "hi there", models.StatusInProgress, w("hi", 100), w(" there", 300)), 0)
	b.Merge(interruptUpdate(7, 250), 200)

	b.Merge(agentUpdate(7, 100, "hi there", models.StatusEnd, w("hi", 100), w(" there", 300)), 200)

	got, _ := b.Turn(7)
	require.Len(t, got.Words, 2)
	assert.Equal(t, models.StatusInterrupted, got.Words[1].Status)
	assert.NotContains(t, statuses(got.Words), models.StatusEnd)
}

func TestMerge_RejectsOlderThanNewestQueued(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(8, 0, "eight", models.StatusInProgress, w("eight", 0)), 0)

	res := b.Merge(agentUpdate(7, 0, "seven", models.StatusInProgress, w("seven", 0)), 0)

	assert.Equal(t, OutcomeStaleQueued, res.Outcome)
	assert.Equal(t, int64(8), res.Newest)
	_, ok := b.Turn(7)
	assert.False(t, ok)
}

func TestMerge_RejectsRetiredTurns(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(7, 100, "hi", models.StatusEnd, w("hi", 100)), 0)
	require.Len(t, b.Advance(150), 1)

	res := b.Merge(agentUpdate(7, 100, "hi again", models.StatusInProgress, w("hi", 100)), 0)
	assert.Equal(t, OutcomeStaleDequeued, res.Outcome)

	res = b.Merge(agentUpdate(6, 100, "old", models.StatusInProgress, w("old", 100)), 0)
	assert.Equal(t, OutcomeStaleDequeued, res.Outcome)
	assert.Equal(t, 0, b.Len())
}

func TestMerge_EvictsOldestBeyondCapacity(t *testing.T) {
	b := NewBuffer(5)
	var evicted []int64
	for id := int64(1); id <= 7; id++ {
		res := b.Merge(agentUpdate(id, 0, "t", models.StatusInProgress, w("t", 1000)), 0)
		evicted = append(evicted, res.Evicted...)
	}

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []int64{1, 2}, evicted)
	_, ok := b.Turn(1)
	assert.False(t, ok)
	_, ok = b.Turn(3)
	assert.True(t, ok)
}

// A turn that arrives far behind newer ones is evicted or rejected before it
// ever becomes audible.
func TestMerge_OutOfOrderTurnStarvation(t *testing.T) {
	b := NewBuffer(5)
	for id := int64(10); id <= 14; id++ {
		b.Merge(agentUpdate(id, 0, "t", models.StatusInProgress, w("t", 5000)), 0)
	}

	res := b.Merge(agentUpdate(9, 0, "late", models.StatusInProgress, w("late", 0)), 0)
	assert.Equal(t, OutcomeStaleQueued, res.Outcome)

	res = b.Merge(agentUpdate(15, 0, "t", models.StatusInProgress, w("t", 5000)), 0)
	assert.Equal(t, []int64{10}, res.Evicted)
	assert.Empty(t, b.Advance(100), "nothing is audible yet")
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer(5)
	b.Merge(agentUpdate(1, 0, "a", models.StatusInProgress, w("a", 0)), 0)
	b.Advance(10)
	b.Merge(agentUpdate(2, 0, "b", models.StatusEnd, w("b", 0)), 0)
	b.Advance(10)

	b.Reset()

	assert.Equal(t, 0, b.Len())
	_, ok := b.LastDequeued()
	assert.False(t, ok)
	_, ok = b.Current()
	assert.False(t, ok)
	res := b.Merge(agentUpdate(1, 0, "a", models.StatusInProgress, w("a", 0)), 0)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
		accepted bool
	}{
		{OutcomeCreated, "created", true},
		{OutcomeMerged, "merged", true},
		{OutcomeInterrupted, "interrupted", true},
		{OutcomeStaleQueued, "stale_queued", false},
		{OutcomeStaleDequeued, "stale_dequeued", false},
		{OutcomeDuplicateInterrupt, "duplicate_interrupt", false},
		{Outcome(99), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.outcome.String())
		assert.Equal(t, tt.accepted, tt.outcome.Accepted())
	}
}

// Random update streams must keep the buffer invariants: bounded size,
// sorted unique word starts, monotonic interruption, staleness.
func TestMerge_RandomStreamsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		b := NewBuffer(5)
		var maxSeen int64 = -1
		for step := 0; step < 60; step++ {
			id := int64(rng.Intn(12))
			var u Update
			if rng.Intn(5) == 0 {
				u = interruptUpdate(id, int64(rng.Intn(2000)))
			} else {
				n := rng.Intn(4)
				words := make([]Word, 0, n)
				for i := 0; i < n; i++ {
					words = append(words, w("x", int64(rng.Intn(20))*100))
				}
				u = agentUpdate(id, int64(rng.Intn(500)), "x", models.Status(rng.Intn(2)), words...)
			}

			res := b.Merge(u, int64(rng.Intn(2000)))
			if res.Outcome.Accepted() || res.Outcome == OutcomeDuplicateInterrupt {
				require.GreaterOrEqual(t, u.TurnID, maxSeen, "run %d step %d: stale update merged", run, step)
			}
			for _, tr := range b.Turns() {
				if tr.TurnID > maxSeen {
					maxSeen = tr.TurnID
				}
			}
			if last, ok := b.LastDequeued(); ok && last > maxSeen {
				maxSeen = last
			}
			if rng.Intn(4) == 0 {
				b.Advance(int64(rng.Intn(2000)))
			}
			if last, ok := b.LastDequeued(); ok && last > maxSeen {
				maxSeen = last
			}

			require.LessOrEqual(t, b.Len(), 5)
			for _, tr := range b.Turns() {
				interrupted := false
				for i, word := range tr.Words {
					if i > 0 {
						require.Less(t, tr.Words[i-1].StartMs, word.StartMs)
					}
					if interrupted {
						require.Equal(t, models.StatusInterrupted, word.Status)
					}
					interrupted = interrupted || word.Status == models.StatusInterrupted
				}
			}
		}
	}
}
