// Package chat implements the real-time assistant chat subsystem: the
// session directory, lifecycle controller, stream translator, history
// persister, and the WebSocket connection handler that composes them.
package chat

import (
	"sync"
	"time"

	"github.com/medchart-labs/medchart/internal/domain"
)

// maxHistoryTurns bounds the persisted (and in-memory) turn history. Older
// turns are silently dropped; only the most recent window is kept.
const maxHistoryTurns = 100

// Session is the in-memory state for one conversational context. It is
// owned by the Directory and keyed by connection; History is only mutated
// by the connection handler while runMu is held.
type Session struct {
	ID        string
	Principal domain.Principal
	CreatedAt time.Time

	// runMu serializes runs: a second send_message on the same session
	// queues behind the in-flight run instead of interleaving with it.
	runMu sync.Mutex

	mu           sync.Mutex
	history      []domain.TurnItem
	lastActivity time.Time
}

// NewSession creates a session with the given identity and initial history.
func NewSession(id string, principal domain.Principal, history []domain.TurnItem, createdAt, lastActivity time.Time) *Session {
	return &Session{
		ID:           id,
		Principal:    principal,
		CreatedAt:    createdAt,
		history:      history,
		lastActivity: lastActivity,
	}
}

// History returns a copy of the current turn history.
func (s *Session) History() []domain.TurnItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TurnItem, len(s.history))
	copy(out, s.history)
	return out
}

// SetHistory replaces the turn history wholesale, truncated to the most
// recent maxHistoryTurns entries.
func (s *Session) SetHistory(history []domain.TurnItem) {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
}

// Touch bumps the session's last activity time.
func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastActivity) {
		s.lastActivity = at
	}
}

// LastActivity returns the session's last activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
