package domain

import (
	"time"
)

// Principal is the authenticated identity attached to a connection for its
// lifetime. Credentials are verified once at handshake time; the principal
// is immutable afterwards.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}

// SessionRecord is the persisted chat session row.
type SessionRecord struct {
	ID             string
	UserID         string
	IsActive       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// MessageRecord is one persisted turn. Seq is the turn's 0-based position
// in the session history; rows for a session are always replaced as a
// whole, so Seq stays dense.
type MessageRecord struct {
	SessionID string
	Seq       int
	Payload   []byte
}
