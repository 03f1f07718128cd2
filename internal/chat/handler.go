package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medchart-labs/medchart/internal/auth"
	"github.com/medchart-labs/medchart/internal/domain"
	"github.com/medchart-labs/medchart/internal/engine"
)

var connIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// errEngineUnavailable is returned for runs attempted while no engine is
// configured (e.g. missing API key at startup).
var errEngineUnavailable = errors.New("agent engine not configured")

// eventWriter sends one protocol event to the client. Implemented by the
// WebSocket connection in production and by in-memory sinks in tests.
type eventWriter interface {
	WriteEvent(ctx context.Context, v any) error
}

// wsEventWriter adapts a websocket.Conn to eventWriter.
type wsEventWriter struct {
	conn *websocket.Conn
}

func (w *wsEventWriter) WriteEvent(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Handler upgrades assistant chat connections and drives the per-connection
// protocol: authenticate, replay history, then loop over inbound events,
// streaming one run per message.
type Handler struct {
	verifier   auth.Verifier
	lifecycle  *Lifecycle
	registry   *ConnRegistry
	engine     engine.Engine
	persister  *Persister
	transcript Transcript

	allowedOrigin string
	isDev         bool
}

// NewHandler creates a chat connection handler. engine may be nil when the
// assistant backend is not configured; runs then fail with the generic
// execution error while the rest of the protocol keeps working.
func NewHandler(verifier auth.Verifier, lifecycle *Lifecycle, registry *ConnRegistry, eng engine.Engine, persister *Persister, transcript Transcript, allowedOrigin string, isDev bool) *Handler {
	if transcript == nil {
		transcript = NoopTranscript{}
	}
	return &Handler{
		verifier:      verifier,
		lifecycle:     lifecycle,
		registry:      registry,
		engine:        eng,
		persister:     persister,
		transcript:    transcript,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the chat WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/assistant", h.ServeHTTP)
}

// ServeHTTP implements the WebSocket upgrade and connection loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	principal, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		h.rejectConnection(w, r, err)
		return
	}

	connID := connectionID(r)
	connKey := principal.UserID + ":" + connID
	slog.Info("Chat connection request",
		"user_id", principal.UserID,
		"conn_key", connKey,
		"ip", r.RemoteAddr,
	)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", principal.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", principal.UserID)
		}
	}()

	// A reconnect within the grace window lands on the same key: disarm the
	// pending eviction before anything else.
	h.lifecycle.CancelEviction(connKey)
	defer h.lifecycle.ScheduleEviction(connKey)

	h.registry.Register(connKey, ws)
	defer h.registry.Unregister(connKey, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &wsEventWriter{conn: ws}

	session, err := h.lifecycle.GetOrCreate(ctx, connKey, *principal)
	if err != nil {
		slog.Error("Failed to materialize chat session", "error", err, "user_id", principal.UserID)
		_ = ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	if err := writer.WriteEvent(ctx, historyEvent{
		Type:     serverSessionHistory,
		Messages: historySnapshot(session),
	}); err != nil {
		slog.Debug("Failed to send history snapshot", "error", err, "user_id", principal.UserID)
		return
	}

	h.readLoop(ctx, writer, ws, session, connKey, *principal)
	slog.Info("Chat connection closed", "conn_key", connKey, "user_id", principal.UserID)
}

func (h *Handler) readLoop(ctx context.Context, writer eventWriter, ws *websocket.Conn, session *Session, connKey string, principal domain.Principal) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "conn_key", connKey)
			} else {
				slog.Warn("WebSocket read error", "error", err, "conn_key", connKey)
			}
			return
		}

		var event clientEvent
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Debug("Ignoring undecodable client event", "conn_key", connKey, "error", err)
			continue
		}

		session.Touch(time.Now())

		switch event.Type {
		case clientSendMessage:
			h.handleSendMessage(ctx, writer, session, event.Message)
		case clientDeactivateSession:
			h.handleDeactivate(ctx, writer, connKey, principal)
		default:
			slog.Debug("Ignoring unknown client event", "conn_key", connKey, "type", event.Type)
		}
	}
}

// handleSendMessage validates the message and drives one run: engine call,
// live relay of translated events, wholesale history replacement, and the
// transactional history commit. Failed runs leave the history as it was.
func (h *Handler) handleSendMessage(ctx context.Context, writer eventWriter, session *Session, message string) {
	requestID := uuid.NewString()

	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		h.emit(ctx, writer, messageEvent{Type: serverMessageError, ID: requestID, Error: errMsgEmpty})
		return
	}
	if utf8.RuneCountInString(trimmed) > maxMessageLength {
		h.emit(ctx, writer, messageEvent{Type: serverMessageError, ID: requestID, Error: errMsgTooLong})
		return
	}

	session.runMu.Lock()
	defer session.runMu.Unlock()

	h.transcript.Log(TranscriptEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    session.Principal.UserID,
		SessionID: session.ID,
		Direction: "user",
		EventType: "chat_user_message",
		RequestID: requestID,
		Content:   trimmed,
	})

	// The stored history is not mutated until the run completes; the run
	// input is history + the new user turn.
	input := append(session.History(), domain.UserTurn(trimmed))

	content, err := h.runMessage(ctx, writer, session, requestID, input)
	if err != nil {
		slog.Error("Chat run failed",
			"error", err,
			"session_id", session.ID,
			"request_id", requestID,
		)
		h.emit(ctx, writer, messageEvent{Type: serverMessageError, ID: requestID, Error: errMsgRunFailed})
		return
	}

	h.transcript.Log(TranscriptEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    session.Principal.UserID,
		SessionID: session.ID,
		Direction: "assistant",
		EventType: "chat_assistant_message",
		RequestID: requestID,
		Content:   content,
	})

	h.emit(ctx, writer, messageEvent{Type: serverMessageComplete, ID: requestID, Content: content})
}

// runMessage executes one engine run and commits its result. The run is
// detached from the connection context: a disconnect mid-stream does not
// cancel it, the result is awaited and persisted regardless.
func (h *Handler) runMessage(ctx context.Context, writer eventWriter, session *Session, requestID string, input []domain.TurnItem) (string, error) {
	if h.engine == nil {
		return "", errEngineUnavailable
	}

	runCtx := context.WithoutCancel(ctx)
	stream, err := h.engine.Run(runCtx, input)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	// Relay failures (client gone mid-stream) stop emission but not the
	// run: the stream is still drained and the result still committed.
	clientGone := false
	translator := NewTranslator(requestID, func(ev messageEvent) error {
		if clientGone {
			return nil
		}
		if err := writer.WriteEvent(ctx, ev); err != nil {
			clientGone = true
			slog.Debug("Client gone mid-stream, continuing run",
				"session_id", session.ID,
				"request_id", requestID,
			)
		}
		return nil
	})

	var streamErr error
	for ev, err := range stream.Events() {
		if err != nil {
			streamErr = err
			break
		}
		if err := translator.Relay(ev); err != nil {
			// Relay never propagates writer failures; an error here is a
			// translation bug, worth surfacing but not fatal to the run.
			slog.Warn("Event relay failed", "error", err, "request_id", requestID)
		}
	}

	result, err := stream.Result()
	if err != nil {
		return "", fmt.Errorf("run: %w", err)
	}
	if streamErr != nil {
		return "", fmt.Errorf("run stream: %w", streamErr)
	}

	now := time.Now()
	previous := session.History()
	session.SetHistory(result.History)
	session.Touch(now)

	if err := h.persister.Persist(context.WithoutCancel(ctx), session); err != nil {
		session.SetHistory(previous)
		return "", err
	}

	content := result.FinalOutput
	if content == "" {
		content = translator.Streamed()
	}
	if content == "" {
		content = msgNoResponse
	}
	return content, nil
}

// handleDeactivate retires the connection's session. Success is confirmed
// with an empty history snapshot; failure with a generic error under a
// fresh request id.
func (h *Handler) handleDeactivate(ctx context.Context, writer eventWriter, connKey string, principal domain.Principal) {
	if err := h.lifecycle.Deactivate(ctx, connKey, principal); err != nil {
		slog.Error("Session deactivation failed", "error", err, "conn_key", connKey)
		h.emit(ctx, writer, messageEvent{
			Type:  serverMessageError,
			ID:    uuid.NewString(),
			Error: errMsgRunFailed,
		})
		return
	}

	h.emit(ctx, writer, historyEvent{
		Type:     serverSessionHistory,
		Messages: []historyMessage{},
	})
}

func (h *Handler) emit(ctx context.Context, writer eventWriter, v any) {
	if err := writer.WriteEvent(ctx, v); err != nil {
		slog.Debug("Failed to write protocol event", "error", err)
	}
}

// rejectConnection surfaces the three admission failure reasons as
// connection-level HTTP errors before any session state is touched.
func (h *Handler) rejectConnection(w http.ResponseWriter, r *http.Request, err error) {
	reason := "credential invalid"
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		reason = "no credential supplied"
	case errors.Is(err, auth.ErrTokenExpired):
		reason = "credential expired"
	}
	slog.Warn("Chat connection rejected", "reason", reason, "ip", r.RemoteAddr)
	http.Error(w, `{"error": "`+reason+`"}`, http.StatusUnauthorized)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// bearerToken extracts the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// connectionID returns the client-pinned connection id when present and
// well-formed, otherwise a generated one. Pinning lets a client resume its
// directory entry after a reconnect within the grace window.
func connectionID(r *http.Request) string {
	id := strings.TrimSpace(r.URL.Query().Get("connection_id"))
	if id != "" && connIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// historySnapshot surfaces the replayable part of a session's history:
// user and assistant turns with extractable text. Non-text or malformed
// turns are dropped from the snapshot, not from storage.
func historySnapshot(s *Session) []historyMessage {
	history := s.History()
	messages := make([]historyMessage, 0, len(history))
	for i, turn := range history {
		role := turn.Role()
		if role != domain.RoleUser && role != domain.RoleAssistant {
			continue
		}
		text, ok := turn.Text()
		if !ok {
			continue
		}
		messages = append(messages, historyMessage{
			ID:      fmt.Sprintf("%s:%d", s.ID, i),
			Role:    role,
			Content: text,
		})
	}
	return messages
}
