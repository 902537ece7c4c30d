// Package history keeps the latest transcript per turn and speaker role,
// so late subscribers can render the conversation so far.
package history

import (
	"sync"
	"time"

	"ai-transcript-render-service/internal/models"
	"ai-transcript-render-service/internal/service/emitter"
)

// DefaultMaxEntries bounds the store when no size is configured.
const DefaultMaxEntries = 200

// Entry is the latest known transcript of one (turn, type) pair.
type Entry struct {
	AgentUserID string            `json:"agentUserId"`
	Transcript  models.Transcript `json:"transcript"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type key struct {
	turnID int64
	typ    models.TranscriptType
}

// Store holds entries in first-seen order. An update for a known
// (turnId, type) replaces the entry in place. When full, the oldest entry
// is dropped.
type Store struct {
	mu      sync.RWMutex
	max     int
	entries []Entry
	index   map[key]int
}

// New creates a store holding at most maxEntries entries.
func New(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		max:   maxEntries,
		index: make(map[key]int),
	}
}

// Upsert inserts or replaces the entry for t.
func (s *Store) Upsert(agentUserID string, t models.Transcript, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{turnID: t.TurnID, typ: t.Type}
	e := Entry{AgentUserID: agentUserID, Transcript: t, UpdatedAt: at}
	if i, ok := s.index[k]; ok {
		s.entries[i] = e
		return
	}
	s.entries = append(s.entries, e)
	s.index[k] = len(s.entries) - 1

	if over := len(s.entries) - s.max; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
		s.reindex()
	}
}

// OnEvent records transcript events; other kinds are ignored.
func (s *Store) OnEvent(e emitter.Event) {
	if e.Kind != emitter.KindTranscript || e.Transcript == nil {
		return
	}
	s.Upsert(e.AgentUserID, *e.Transcript, e.Timestamp)
}

// Snapshot returns a copy of all entries in first-seen order.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry{}, s.entries...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[key]int)
}

func (s *Store) reindex() {
	s.index = make(map[key]int, len(s.entries))
	for i, e := range s.entries {
		s.index[key{turnID: e.Transcript.TurnID, typ: e.Transcript.Type}] = i
	}
}
