package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/medchart-labs/medchart/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		is_active        INTEGER NOT NULL DEFAULT 1,
		created_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_active
		ON chat_sessions(user_id, is_active, last_activity_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindActiveSession retrieves the user's most recently active session.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	query := `
		SELECT id, user_id, is_active, created_at, last_activity_at
		FROM chat_sessions
		WHERE user_id = ? AND is_active = 1
		ORDER BY last_activity_at DESC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, userID)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var isActive int
	var createdAt, lastActivity int64

	if err := row.Scan(&rec.ID, &rec.UserID, &isActive, &createdAt, &lastActivity); err != nil {
		return nil, err
	}

	rec.IsActive = isActive != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.LastActivityAt = time.Unix(lastActivity, 0)
	return &rec, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO chat_sessions (id, user_id, is_active, created_at, last_activity_at)
	VALUES (?, ?, ?, ?, ?)`

	isActive := 0
	if rec.IsActive {
		isActive = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, isActive,
		rec.CreatedAt.Unix(), rec.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// TouchSession updates last_activity_at for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE chat_sessions SET last_activity_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeactivateSession flips is_active to false and stamps last_activity_at.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE chat_sessions SET is_active = 0, last_activity_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// ListMessages returns a session's message rows ordered by seq ascending.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.MessageRecord, error) {
	query := `SELECT session_id, seq, payload FROM chat_messages WHERE session_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []domain.MessageRecord
	for rows.Next() {
		var rec domain.MessageRecord
		var payload string
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return records, nil
}

// ReplaceHistory atomically rewrites a session's message rows and stamps
// last_activity_at. Retries on SQLite lock contention with exponential
// backoff; the transaction keeps each attempt all-or-nothing.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, sessionID string, payloads [][]byte, at time.Time) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.replaceHistoryOnce(ctx, sessionID, payloads, at)
		if err == nil {
			return nil
		}
		if !isSQLiteConflict(err) || i == maxRetries-1 {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i)) // 100ms, 200ms, 400ms
	}
	return fmt.Errorf("replace history for %s: %w", sessionID, err)
}

func (s *SQLiteStore) replaceHistoryOnce(ctx context.Context, sessionID string, payloads [][]byte, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	if len(payloads) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_messages (session_id, seq, payload) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for seq, payload := range payloads {
			if _, err := stmt.ExecContext(ctx, sessionID, seq, string(payload)); err != nil {
				return fmt.Errorf("insert message %d: %w", seq, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET last_activity_at = ? WHERE id = ?`, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether the error is a SQLITE_BUSY or
// "database is locked" concurrency error that warrants a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
