package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/medchart-labs/medchart/internal/store"
)

// Persister commits a session's in-memory history to the store. Each
// commit replaces the session's message rows wholesale inside one
// transaction, so sequence numbers stay dense without row-level locking.
type Persister struct {
	repo store.Repository
}

// NewPersister creates a history persister over the given repository.
func NewPersister(repo store.Repository) *Persister {
	return &Persister{repo: repo}
}

// Persist writes the session's current history, truncated to the most
// recent maxHistoryTurns entries, and stamps last_activity_at. A failure
// at any step rolls the transaction back and is reported to the caller.
func (p *Persister) Persist(ctx context.Context, s *Session) error {
	history := s.History()
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	payloads := make([][]byte, 0, len(history))
	for _, turn := range history {
		payloads = append(payloads, turn.Raw())
	}

	if err := p.repo.ReplaceHistory(ctx, s.ID, payloads, time.Now()); err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}
