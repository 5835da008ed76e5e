// Package store holds the message stores: the in-memory dedup store that
// collapses duplicate records arriving from overlapping producers, and the
// sqlite archive that persists messages and session labels.
package store

import (
	"sync"
	"time"

	"github.com/crewdeck/runwatch/internal/core"
)

const (
	// nearDupPrefixLen is how much content participates in the
	// near-duplicate signature.
	nearDupPrefixLen = 100

	// nearDupWindow is the time window within which two same-signature
	// records collapse into one.
	nearDupWindow = time.Second
)

// DedupStore is an idempotent append-only log of messages per session.
// The same logical event can arrive via poll-derived reconciliation, via a
// push notification, and via history replay; appends never fail on
// duplicate input.
type DedupStore struct {
	mu       sync.Mutex
	sessions map[string][]core.Message
	ids      map[string]map[string]struct{}
}

// NewDedupStore creates an empty store.
func NewDedupStore() *DedupStore {
	return &DedupStore{
		sessions: make(map[string][]core.Message),
		ids:      make(map[string]map[string]struct{}),
	}
}

// Append adds one message to its session's log. A message whose id is
// already present is dropped silently.
func (s *DedupStore) Append(msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
}

// AppendBatch adds a batch of messages, applying the same exact-dedup rule
// per message.
func (s *DedupStore) AppendBatch(msgs []core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.appendLocked(msg)
	}
}

func (s *DedupStore) appendLocked(msg core.Message) {
	known, ok := s.ids[msg.SessionID]
	if !ok {
		known = make(map[string]struct{})
		s.ids[msg.SessionID] = known
	}
	if _, dup := known[msg.ID]; dup {
		return
	}
	known[msg.ID] = struct{}{}
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], msg)
}

// Messages returns the raw log for a session, duplicates-by-content
// included.
func (s *DedupStore) Messages(sessionID string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.sessions[sessionID]
	out := make([]core.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Deduplicated returns the session's log with near-duplicates collapsed:
// two records of the same type whose content prefixes match and whose
// timestamps fall within one second keep only the first occurrence. This
// guards against the same logical event arriving once via polling and once
// via push.
func (s *DedupStore) Deduplicated(sessionID string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.sessions[sessionID]
	out := make([]core.Message, 0, len(msgs))
	kept := make(map[string][]time.Time)

	for _, msg := range msgs {
		sig := string(msg.Type) + "|" + contentPrefix(msg.Content)
		if isNearDup(kept[sig], msg.Timestamp) {
			continue
		}
		kept[sig] = append(kept[sig], msg.Timestamp)
		out = append(out, msg)
	}
	return out
}

// Sessions returns the ids of all sessions with at least one message.
func (s *DedupStore) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Clear drops all messages for a session.
func (s *DedupStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.ids, sessionID)
}

func contentPrefix(content string) string {
	if len(content) > nearDupPrefixLen {
		return content[:nearDupPrefixLen]
	}
	return content
}

func isNearDup(seen []time.Time, ts time.Time) bool {
	for _, prev := range seen {
		delta := ts.Sub(prev)
		if delta < 0 {
			delta = -delta
		}
		if delta < nearDupWindow {
			return true
		}
	}
	return false
}
