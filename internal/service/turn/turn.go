// Package turn holds the agent turn buffer: merging of partial and
// revocable turn updates, staleness rejection, eviction, and selection of
// the snapshot that is audible at a presentation timestamp.
//
// Nothing in this package is safe for concurrent use. The owner serializes
// every Merge and Advance call behind one lock.
package turn

import (
	"sort"
	"strings"

	"ai-transcript-render-service/internal/models"
)

// Word is a timed token within a turn.
type Word struct {
	Text    string
	StartMs int64
	Status  models.Status
}

// Turn is one buffered agent utterance. Words are sorted by StartMs and no
// two words share a StartMs.
type Turn struct {
	AgentUserID string
	UserID      string
	TurnID      int64
	StartMs     int64
	Text        string
	Status      models.Status
	Words       []Word
}

// Update is one inbound change to a turn.
type Update struct {
	AgentUserID string
	UserID      string
	TurnID      int64
	StartMs     int64
	Text        string
	Status      models.Status
	Words       []Word
}

func (t *Turn) clone() Turn {
	c := *t
	c.Words = append([]Word(nil), t.Words...)
	return c
}

// audible returns the prefix of words already reached at presentationMs.
func (t *Turn) audible(presentationMs int64) []Word {
	n := sort.Search(len(t.Words), func(i int) bool {
		return t.Words[i].StartMs > presentationMs
	})
	return t.Words[:n]
}

// markEnd flags the last word as the end of the turn unless it was
// already interrupted.
func (t *Turn) markEnd() {
	if n := len(t.Words); n > 0 && t.Words[n-1].Status != models.StatusInterrupted {
		t.Words[n-1].Status = models.StatusEnd
	}
}

// contaminate forces every word after the first interrupted one to
// interrupted as well.
func (t *Turn) contaminate() {
	found := false
	for i := range t.Words {
		if found || t.Words[i].Status == models.StatusInterrupted {
			t.Words[i].Status = models.StatusInterrupted
			found = true
		}
	}
}

// normalizeWords copies words, sorts them by StartMs and keeps only the
// first arrival for each StartMs.
func normalizeWords(words []Word) []Word {
	out := make([]Word, 0, len(words))
	seen := make(map[int64]struct{}, len(words))
	for _, w := range words {
		if _, dup := seen[w.StartMs]; dup {
			continue
		}
		seen[w.StartMs] = struct{}{}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

func joinWords(words []Word) string {
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w.Text)
	}
	return b.String()
}
