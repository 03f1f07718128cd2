package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// TranscriptEntry is one line of the conversation transcript.
type TranscriptEntry struct {
	Timestamp string `json:"ts"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Direction string `json:"direction"` // "user" or "assistant"
	EventType string `json:"event_type"`
	RequestID string `json:"request_id,omitempty"`
	Content   string `json:"content"`
}

// Transcript records conversation traffic for audit. Implementations must
// be safe for concurrent use and must never block the caller.
type Transcript interface {
	Log(entry TranscriptEntry)
	Close() error
}

// NoopTranscript discards all entries. Used when transcripts are disabled.
type NoopTranscript struct{}

// Log implements Transcript.
func (NoopTranscript) Log(TranscriptEntry) {}

// Close implements Transcript.
func (NoopTranscript) Close() error { return nil }

// FileTranscript writes ndjson transcripts, one file per user/session
// under a base directory. Writes go through a bounded queue drained by a
// single goroutine; when the queue is full, entries are dropped with a
// warning rather than stalling a chat run.
type FileTranscript struct {
	dir    string
	queue  chan TranscriptEntry
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger
}

// NewFileTranscript creates a transcript writer rooted at dir.
func NewFileTranscript(dir string, queueSize int, logger *slog.Logger) (*FileTranscript, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	t := &FileTranscript{
		dir:    dir,
		queue:  make(chan TranscriptEntry, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.drain()
	return t, nil
}

// Log enqueues an entry, dropping it when the queue is full.
func (t *FileTranscript) Log(entry TranscriptEntry) {
	select {
	case t.queue <- entry:
	default:
		t.logger.Warn("Transcript queue full, dropping entry",
			"user_id", entry.UserID,
			"session_id", entry.SessionID,
		)
	}
}

// Close stops accepting entries and flushes the queue.
func (t *FileTranscript) Close() error {
	t.closed.Do(func() {
		close(t.queue)
		<-t.done
	})
	return nil
}

func (t *FileTranscript) drain() {
	defer close(t.done)
	for entry := range t.queue {
		if err := t.write(entry); err != nil {
			t.logger.Warn("Failed to write transcript entry",
				"user_id", entry.UserID,
				"session_id", entry.SessionID,
				"error", err,
			)
		}
	}
}

func (t *FileTranscript) write(entry TranscriptEntry) error {
	userDir := filepath.Join(t.dir, entry.UserID)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("create user transcript directory: %w", err)
	}

	path := filepath.Join(userDir, entry.SessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}
