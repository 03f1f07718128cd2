// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/medchart-labs/medchart/internal/domain"
)

// Repository defines the interface for persisting chat sessions and their
// turn history. The clinical CRUD entities live behind the platform's own
// data layer; this repository covers only the assistant broker's rows.
type Repository interface {
	// FindActiveSession retrieves the user's most recently active session,
	// ordered by last_activity_at descending. Returns nil when the user has
	// no active session.
	FindActiveSession(ctx context.Context, userID string) (*domain.SessionRecord, error)

	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error

	// TouchSession updates last_activity_at for a session.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// DeactivateSession flips is_active to false and stamps last_activity_at.
	// Deactivating a session that is already inactive is not an error.
	DeactivateSession(ctx context.Context, sessionID string, at time.Time) error

	// ListMessages returns a session's message rows ordered by seq ascending.
	ListMessages(ctx context.Context, sessionID string) ([]domain.MessageRecord, error)

	// ReplaceHistory atomically deletes all message rows for a session,
	// inserts one row per payload with seq equal to its slice position, and
	// stamps the session's last_activity_at. All-or-nothing: a failure at
	// any step rolls back the whole transaction.
	ReplaceHistory(ctx context.Context, sessionID string, payloads [][]byte, at time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
