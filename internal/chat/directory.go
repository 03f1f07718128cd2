package chat

import (
	"log/slog"
	"sync"
	"time"
)

// Directory is the process-wide mapping from connection key to live
// session. It is the single shared mutable resource across connection
// handlers; all mutation goes through its lock. It never touches the
// persistent store.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for a connection key, or nil.
func (d *Directory) Get(connKey string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[connKey]
}

// Put stores the session for a connection key.
func (d *Directory) Put(connKey string, s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[connKey] = s
}

// Remove drops the entry for a connection key.
func (d *Directory) Remove(connKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, connKey)
}

// Sweep removes every entry whose last activity is older than maxIdle.
func (d *Directory) Sweep(now time.Time, maxIdle time.Duration) {
	cutoff := now.Add(-maxIdle)

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, s := range d.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(d.sessions, key)
			slog.Info("Idle session evicted from directory",
				"session_id", s.ID,
				"user_id", s.Principal.UserID,
				"idle_since", s.LastActivity(),
			)
		}
	}
}

// Len returns the number of live entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
