package chat

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medchart-labs/medchart/internal/domain"
	"github.com/medchart-labs/medchart/internal/engine"
)

type fakeStream struct {
	events []engine.Event
	result *engine.RunResult
	err    error
}

func (s *fakeStream) Events() iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		for _, ev := range s.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *fakeStream) Result() (*engine.RunResult, error) {
	return s.result, s.err
}

type fakeEngine struct {
	stream *fakeStream
	runErr error
	input  []domain.TurnItem
}

func (e *fakeEngine) Run(_ context.Context, history []domain.TurnItem) (engine.RunStream, error) {
	e.input = history
	if e.runErr != nil {
		return nil, e.runErr
	}
	return e.stream, nil
}

// sinkWriter collects emitted protocol events.
type sinkWriter struct {
	events   []any
	writeErr error
}

func (w *sinkWriter) WriteEvent(_ context.Context, v any) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.events = append(w.events, v)
	return nil
}

func (w *sinkWriter) messageEvents(t *testing.T) []messageEvent {
	t.Helper()
	out := make([]messageEvent, 0, len(w.events))
	for _, ev := range w.events {
		if me, ok := ev.(messageEvent); ok {
			out = append(out, me)
		}
	}
	return out
}

func newTestHandler(repo *fakeRepo, eng engine.Engine) *Handler {
	return &Handler{
		engine:     eng,
		persister:  NewPersister(repo),
		transcript: NoopTranscript{},
	}
}

func historyTexts(t *testing.T, turns []domain.TurnItem) []string {
	t.Helper()
	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		text, _ := turn.Text()
		out = append(out, text)
	}
	return out
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	h := newTestHandler(newFakeRepo(), &fakeEngine{})
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "   \n\t ")

	events := sink.messageEvents(t)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Type != serverMessageError {
		t.Errorf("Expected %q, got %q", serverMessageError, events[0].Type)
	}
	if events[0].Error != errMsgEmpty {
		t.Errorf("Expected error %q, got %q", errMsgEmpty, events[0].Error)
	}
	if events[0].ID == "" {
		t.Error("Expected a request id on the error event")
	}
}

func TestSendMessageRejectsOverlong(t *testing.T) {
	h := newTestHandler(newFakeRepo(), &fakeEngine{})
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, strings.Repeat("x", maxMessageLength+1))

	events := sink.messageEvents(t)
	if len(events) != 1 || events[0].Error != errMsgTooLong {
		t.Fatalf("Expected one %q error, got %v", errMsgTooLong, events)
	}
}

func TestSendMessageAcceptsExactLimit(t *testing.T) {
	message := strings.Repeat("y", maxMessageLength)
	eng := &fakeEngine{stream: &fakeStream{
		result: &engine.RunResult{
			FinalOutput: "ok",
			History:     []domain.TurnItem{domain.UserTurn(message), domain.AssistantTurn("ok")},
		},
	}}
	h := newTestHandler(newFakeRepo(), eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, message)

	events := sink.messageEvents(t)
	if len(events) != 1 || events[0].Type != serverMessageComplete {
		t.Fatalf("Expected a completion, got %v", events)
	}
}

func TestSendMessageSuccessFlow(t *testing.T) {
	repo := newFakeRepo()
	inv, _ := json.Marshal(map[string]string{"type": "function_call", "name": "search_patients"})
	eng := &fakeEngine{stream: &fakeStream{
		events: []engine.Event{
			{Kind: engine.KindItemProduced, Item: &engine.ProducedItem{Name: engine.ItemToolCalled, Invocation: inv}},
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"Pat"`)},
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"ient found."`)},
		},
		result: &engine.RunResult{
			FinalOutput: "Patient found.",
			History: []domain.TurnItem{
				domain.UserTurn("find patient smith"),
				domain.AssistantTurn("Patient found."),
			},
		},
	}}
	h := newTestHandler(repo, eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "find patient smith")

	events := sink.messageEvents(t)
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d: %v", len(events), events)
	}
	if events[0].Type != serverToolCall || events[0].Action != CategoryLookupPatient {
		t.Errorf("Expected LOOKUP_PATIENT tool call first, got %+v", events[0])
	}
	if events[1].Type != serverMessageDelta || events[1].Delta != "Pat" {
		t.Errorf("Unexpected first delta: %+v", events[1])
	}
	last := events[3]
	if last.Type != serverMessageComplete || last.Content != "Patient found." {
		t.Errorf("Unexpected completion: %+v", last)
	}
	for _, ev := range events {
		if ev.ID != events[0].ID {
			t.Errorf("Expected all events under one request id, got %q and %q", events[0].ID, ev.ID)
		}
	}

	// Engine input must be prior history plus the new user turn.
	if len(eng.input) != 1 {
		t.Fatalf("Expected 1 input turn, got %d", len(eng.input))
	}
	if text, _ := eng.input[0].Text(); text != "find patient smith" {
		t.Errorf("Expected user turn in input, got %q", text)
	}

	got := historyTexts(t, s.History())
	if len(got) != 2 || got[0] != "find patient smith" || got[1] != "Patient found." {
		t.Errorf("Unexpected in-memory history: %v", got)
	}

	records, err := repo.ListMessages(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 persisted rows, got %d", len(records))
	}
}

func TestSendMessageFallsBackToStreamedText(t *testing.T) {
	eng := &fakeEngine{stream: &fakeStream{
		events: []engine.Event{
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"streamed "`)},
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"only"`)},
		},
		result: &engine.RunResult{History: []domain.TurnItem{domain.UserTurn("q")}},
	}}
	h := newTestHandler(newFakeRepo(), eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "q")

	events := sink.messageEvents(t)
	last := events[len(events)-1]
	if last.Type != serverMessageComplete || last.Content != "streamed only" {
		t.Errorf("Expected streamed fallback content, got %+v", last)
	}
}

func TestSendMessageNoResponsePlaceholder(t *testing.T) {
	eng := &fakeEngine{stream: &fakeStream{
		result: &engine.RunResult{History: []domain.TurnItem{domain.UserTurn("q")}},
	}}
	h := newTestHandler(newFakeRepo(), eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "q")

	events := sink.messageEvents(t)
	last := events[len(events)-1]
	if last.Content != msgNoResponse {
		t.Errorf("Expected %q, got %q", msgNoResponse, last.Content)
	}
}

func TestSendMessageRunFailureLeavesHistory(t *testing.T) {
	repo := newFakeRepo()
	eng := &fakeEngine{runErr: errors.New("upstream down")}
	h := newTestHandler(repo, eng)

	s := newTestSession("sess-1", time.Now())
	s.SetHistory([]domain.TurnItem{domain.UserTurn("earlier")})
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "new question")

	events := sink.messageEvents(t)
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event, got %d", len(events))
	}
	if events[0].Type != serverMessageError || events[0].Error != errMsgRunFailed {
		t.Errorf("Expected generic run failure, got %+v", events[0])
	}

	got := historyTexts(t, s.History())
	if len(got) != 1 || got[0] != "earlier" {
		t.Errorf("Expected history untouched, got %v", got)
	}
	records, _ := repo.ListMessages(context.Background(), "sess-1")
	if len(records) != 0 {
		t.Errorf("Expected nothing persisted, got %d rows", len(records))
	}
}

func TestSendMessageResultFailureEmitsGenericError(t *testing.T) {
	eng := &fakeEngine{stream: &fakeStream{
		events: []engine.Event{
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"partial"`)},
		},
		err: errors.New("run aborted"),
	}}
	h := newTestHandler(newFakeRepo(), eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "q")

	events := sink.messageEvents(t)
	last := events[len(events)-1]
	if last.Type != serverMessageError || last.Error != errMsgRunFailed {
		t.Errorf("Expected generic error after stream failure, got %+v", last)
	}
	if len(s.History()) != 0 {
		t.Errorf("Expected history untouched, got %d turns", len(s.History()))
	}
}

func TestSendMessagePersistFailureRollsBack(t *testing.T) {
	repo := newFakeRepo()
	repo.replaceErr = errors.New("disk full")
	eng := &fakeEngine{stream: &fakeStream{
		result: &engine.RunResult{
			FinalOutput: "answer",
			History:     []domain.TurnItem{domain.UserTurn("q"), domain.AssistantTurn("answer")},
		},
	}}
	h := newTestHandler(repo, eng)

	s := newTestSession("sess-1", time.Now())
	s.SetHistory([]domain.TurnItem{domain.UserTurn("earlier")})
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "q")

	events := sink.messageEvents(t)
	last := events[len(events)-1]
	if last.Type != serverMessageError || last.Error != errMsgRunFailed {
		t.Errorf("Expected generic error on persist failure, got %+v", last)
	}
	got := historyTexts(t, s.History())
	if len(got) != 1 || got[0] != "earlier" {
		t.Errorf("Expected history rolled back, got %v", got)
	}
}

func TestSendMessageWithoutEngine(t *testing.T) {
	h := newTestHandler(newFakeRepo(), nil)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{}

	h.handleSendMessage(context.Background(), sink, s, "q")

	events := sink.messageEvents(t)
	if len(events) != 1 || events[0].Error != errMsgRunFailed {
		t.Fatalf("Expected generic error without engine, got %v", events)
	}
}

func TestSendMessageClientGoneStillPersists(t *testing.T) {
	repo := newFakeRepo()
	eng := &fakeEngine{stream: &fakeStream{
		events: []engine.Event{
			{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"answer"`)},
		},
		result: &engine.RunResult{
			FinalOutput: "answer",
			History:     []domain.TurnItem{domain.UserTurn("q"), domain.AssistantTurn("answer")},
		},
	}}
	h := newTestHandler(repo, eng)
	s := newTestSession("sess-1", time.Now())
	sink := &sinkWriter{writeErr: errors.New("connection closed")}

	h.handleSendMessage(context.Background(), sink, s, "q")

	got := historyTexts(t, s.History())
	if len(got) != 2 {
		t.Fatalf("Expected run committed despite dead client, got %v", got)
	}
	records, _ := repo.ListMessages(context.Background(), "sess-1")
	if len(records) != 2 {
		t.Errorf("Expected 2 persisted rows, got %d", len(records))
	}
}

func TestDeactivateEmitsEmptyHistory(t *testing.T) {
	repo := newFakeRepo()
	lc, _ := newTestLifecycle(repo, DefaultLifecycleConfig())
	h := newTestHandler(repo, nil)
	h.lifecycle = lc

	if _, err := lc.GetOrCreate(context.Background(), "user-1:conn-1", testPrincipal()); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	sink := &sinkWriter{}
	h.handleDeactivate(context.Background(), sink, "user-1:conn-1", testPrincipal())

	if len(sink.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(sink.events))
	}
	he, ok := sink.events[0].(historyEvent)
	if !ok {
		t.Fatalf("Expected a history event, got %T", sink.events[0])
	}
	if he.Type != serverSessionHistory {
		t.Errorf("Expected %q, got %q", serverSessionHistory, he.Type)
	}
	data, err := json.Marshal(he)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Errorf("Expected empty messages array on the wire, got %s", data)
	}
}

func TestHistorySnapshotFiltersTurns(t *testing.T) {
	s := newTestSession("sess-1", time.Now())

	toolTurn, err := domain.ParseTurn([]byte(`{"role": "tool", "type": "message", "content": "raw"}`))
	if err != nil {
		t.Fatalf("ParseTurn failed: %v", err)
	}
	callTurn, err := domain.ParseTurn([]byte(`{"type": "function_call", "name": "search_patients"}`))
	if err != nil {
		t.Fatalf("ParseTurn failed: %v", err)
	}
	s.SetHistory([]domain.TurnItem{
		domain.UserTurn("question"),
		callTurn,
		toolTurn,
		domain.AssistantTurn("answer"),
	})

	messages := historySnapshot(s)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 snapshot entries, got %d", len(messages))
	}
	if messages[0].Role != domain.RoleUser || messages[0].Content != "question" {
		t.Errorf("Unexpected first entry: %+v", messages[0])
	}
	if messages[1].Role != domain.RoleAssistant || messages[1].Content != "answer" {
		t.Errorf("Unexpected second entry: %+v", messages[1])
	}
	if messages[0].ID == messages[1].ID {
		t.Error("Expected distinct snapshot ids")
	}
}

func TestBearerTokenSources(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/assistant", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Errorf("Expected header token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws/assistant?token=qrs789", nil)
	if got := bearerToken(r); got != "qrs789" {
		t.Errorf("Expected query token, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws/assistant", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("Expected empty token, got %q", got)
	}
}

func TestConnectionIDSanitized(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/assistant?connection_id=tab-7.main", nil)
	if got := connectionID(r); got != "tab-7.main" {
		t.Errorf("Expected pinned id, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws/assistant?connection_id=bad%20id%2F..", nil)
	got := connectionID(r)
	if got == "bad id/.." || got == "" {
		t.Errorf("Expected generated id for malformed input, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws/assistant", nil)
	if got := connectionID(r); got == "" {
		t.Error("Expected generated id when absent")
	}
}
