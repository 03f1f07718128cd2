package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medchart-labs/medchart/internal/domain"
	"github.com/medchart-labs/medchart/internal/store"
)

// LifecycleConfig holds the lifecycle controller's timing knobs.
type LifecycleConfig struct {
	// IdleTimeout is how long a session may go without activity before the
	// sweeper drops it from the directory.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration
	// GraceWindow is how long a disconnected session stays in the
	// directory waiting for a reconnect.
	GraceWindow time.Duration
}

// DefaultLifecycleConfig returns the production timings.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 10 * time.Minute,
		GraceWindow:   60 * time.Second,
	}
}

// Lifecycle bridges the Directory to the persistent store: get-or-create,
// deactivation, disconnect-grace eviction, and the idle sweep.
type Lifecycle struct {
	repo     store.Repository
	dir      *Directory
	registry *ConnRegistry
	cfg      LifecycleConfig

	evictMu   sync.Mutex
	evictions map[string]*time.Timer
}

// NewLifecycle creates a lifecycle controller.
func NewLifecycle(repo store.Repository, dir *Directory, registry *ConnRegistry, cfg LifecycleConfig) *Lifecycle {
	return &Lifecycle{
		repo:      repo,
		dir:       dir,
		registry:  registry,
		cfg:       cfg,
		evictions: make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the directory session for the connection key,
// materializing it from the store (or creating a fresh persisted session)
// when absent. An existing entry is touched; the store touch happens
// asynchronously so the caller is not blocked on a round-trip.
func (l *Lifecycle) GetOrCreate(ctx context.Context, connKey string, principal domain.Principal) (*Session, error) {
	if s := l.dir.Get(connKey); s != nil {
		now := time.Now()
		s.Touch(now)
		go func() {
			touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.repo.TouchSession(touchCtx, s.ID, now); err != nil {
				slog.Warn("Failed to touch session", "session_id", s.ID, "error", err)
			}
		}()
		return s, nil
	}

	rec, err := l.repo.FindActiveSession(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	if rec == nil {
		now := time.Now()
		rec = &domain.SessionRecord{
			ID:             uuid.NewString(),
			UserID:         principal.UserID,
			IsActive:       true,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := l.repo.CreateSession(ctx, rec); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		slog.Info("Chat session created", "session_id", rec.ID, "user_id", principal.UserID)
	}

	history, err := l.loadHistory(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	s := NewSession(rec.ID, principal, history, rec.CreatedAt, time.Now())
	l.dir.Put(connKey, s)
	slog.Info("Chat session loaded",
		"session_id", rec.ID,
		"user_id", principal.UserID,
		"turns", len(history),
	)
	return s, nil
}

// loadHistory reads a session's persisted turns in sequence order. Rows
// that fail to deserialize into a valid turn are dropped, not fatal:
// corrupt or legacy payloads must not take the session down.
func (l *Lifecycle) loadHistory(ctx context.Context, sessionID string) ([]domain.TurnItem, error) {
	records, err := l.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}

	history := make([]domain.TurnItem, 0, len(records))
	for _, rec := range records {
		turn, err := domain.ParseTurn(rec.Payload)
		if err != nil {
			slog.Warn("Dropping undecodable message row",
				"session_id", sessionID,
				"seq", rec.Seq,
				"error", err,
			)
			continue
		}
		history = append(history, turn)
	}
	return history, nil
}

// Deactivate flips the session's persisted row inactive and removes it
// from the directory. When no directory entry exists for the connection,
// it falls back to the user's active session looked up by principal; a
// missing active session is a no-op, not an error.
func (l *Lifecycle) Deactivate(ctx context.Context, connKey string, principal domain.Principal) error {
	now := time.Now()

	if s := l.dir.Get(connKey); s != nil {
		if err := l.repo.DeactivateSession(ctx, s.ID, now); err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		l.dir.Remove(connKey)
		slog.Info("Chat session deactivated", "session_id", s.ID, "user_id", principal.UserID)
		return nil
	}

	rec, err := l.repo.FindActiveSession(ctx, principal.UserID)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	if rec == nil {
		return nil
	}
	if err := l.repo.DeactivateSession(ctx, rec.ID, now); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	slog.Info("Chat session deactivated", "session_id", rec.ID, "user_id", principal.UserID)
	return nil
}

// Remove unconditionally drops the directory entry. No store effect.
func (l *Lifecycle) Remove(connKey string) {
	l.CancelEviction(connKey)
	l.dir.Remove(connKey)
}

// ScheduleEviction arms the disconnect grace timer for a connection key.
// When it fires, the entry is evicted unless a live connection with the
// same key has been re-established. The timer itself is cancellable so a
// reconnect does not race the existence check.
func (l *Lifecycle) ScheduleEviction(connKey string) {
	l.evictMu.Lock()
	defer l.evictMu.Unlock()

	if timer, ok := l.evictions[connKey]; ok {
		timer.Stop()
	}
	l.evictions[connKey] = time.AfterFunc(l.cfg.GraceWindow, func() {
		l.evictMu.Lock()
		delete(l.evictions, connKey)
		l.evictMu.Unlock()

		if l.registry.GetActive(connKey) != nil {
			return
		}
		l.dir.Remove(connKey)
		slog.Info("Disconnected session evicted after grace window", "conn_key", connKey)
	})
}

// CancelEviction disarms a pending grace-window eviction, if any.
func (l *Lifecycle) CancelEviction(connKey string) {
	l.evictMu.Lock()
	defer l.evictMu.Unlock()

	if timer, ok := l.evictions[connKey]; ok {
		timer.Stop()
		delete(l.evictions, connKey)
	}
}

// StartSweeper runs the idle sweep on a fixed interval until ctx is done.
func (l *Lifecycle) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle sweeper started",
			"interval", l.cfg.SweepInterval,
			"idle_timeout", l.cfg.IdleTimeout,
		)
		for {
			select {
			case <-ticker.C:
				l.dir.Sweep(time.Now(), l.cfg.IdleTimeout)
			case <-ctx.Done():
				slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
