package chat

import (
	"encoding/json"
	"testing"

	"github.com/medchart-labs/medchart/internal/engine"
)

func collectEvents(t *testing.T, events []engine.Event) (*Translator, []messageEvent) {
	t.Helper()

	var emitted []messageEvent
	tr := NewTranslator("req-1", func(ev messageEvent) error {
		emitted = append(emitted, ev)
		return nil
	})
	for _, ev := range events {
		if err := tr.Relay(ev); err != nil {
			t.Fatalf("Relay failed: %v", err)
		}
	}
	return tr, emitted
}

func TestTranslatorPlainStringDelta(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"Hello"`)},
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`" world"`)},
	})

	if len(emitted) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(emitted))
	}
	if emitted[0].Type != serverMessageDelta {
		t.Errorf("Expected type %q, got %q", serverMessageDelta, emitted[0].Type)
	}
	if emitted[0].ID != "req-1" {
		t.Errorf("Expected request id req-1, got %q", emitted[0].ID)
	}
	if emitted[0].Delta != "Hello" || emitted[1].Delta != " world" {
		t.Errorf("Unexpected deltas: %q, %q", emitted[0].Delta, emitted[1].Delta)
	}
}

func TestTranslatorObjectDelta(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`{"text": "chunk"}`)},
	})

	if len(emitted) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(emitted))
	}
	if emitted[0].Delta != "chunk" {
		t.Errorf("Expected delta 'chunk', got %q", emitted[0].Delta)
	}
}

func TestTranslatorMalformedDeltaDropped(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`{"text": 42}`)},
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`[1, 2]`)},
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`not json`)},
	})

	if len(emitted) != 0 {
		t.Errorf("Expected no events for malformed deltas, got %d", len(emitted))
	}
}

func TestTranslatorTextAdded(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindTextAdded, Text: "appended"},
	})

	if len(emitted) != 1 || emitted[0].Delta != "appended" {
		t.Fatalf("Expected one 'appended' delta, got %v", emitted)
	}
}

func TestTranslatorContentPart(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindContentPartAdded, Part: json.RawMessage(`{"type": "output_text", "text": "part"}`)},
		{Kind: engine.KindContentPartAdded, Part: json.RawMessage(`{"type": "refusal", "text": "nope"}`)},
		{Kind: engine.KindContentPartAdded, Part: json.RawMessage(`{"type": "output_text", "text": {"nested": true}}`)},
	})

	if len(emitted) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(emitted))
	}
	if emitted[0].Delta != "part" {
		t.Errorf("Expected delta 'part', got %q", emitted[0].Delta)
	}
}

func TestTranslatorStreamedAccumulates(t *testing.T) {
	tr, _ := collectEvents(t, []engine.Event{
		{Kind: engine.KindTextDelta, Delta: json.RawMessage(`"Hel"`)},
		{Kind: engine.KindTextAdded, Text: "lo"},
		{Kind: engine.KindContentPartAdded, Part: json.RawMessage(`{"type": "output_text", "text": "!"}`)},
	})

	if got := tr.Streamed(); got != "Hello!" {
		t.Errorf("Expected streamed text 'Hello!', got %q", got)
	}
}

func TestTranslatorToolCallCategories(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		want     ToolCategory
	}{
		{"patient lookup", "search_patients", CategoryLookupPatient},
		{"patient details", "get_patient_details", CategoryLookupPatient},
		{"appointment search", "search_appointments", CategoryLookupAppointment},
		{"doctor schedule", "get_doctor_schedule", CategoryLookupAppointment},
		{"departments", "list_departments", CategoryLookupDepartment},
		{"doctors", "search_doctors", CategoryLookupDepartment},
		{"medical records", "get_medical_records", CategoryLookupClinical},
		{"lab results", "get_lab_results", CategoryLookupClinical},
		{"invoices", "get_invoices", CategoryLookupBilling},
		{"unknown tool", "do_something_else", CategoryProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _ := json.Marshal(map[string]string{"type": "function_call", "name": tt.toolName})
			_, emitted := collectEvents(t, []engine.Event{
				{Kind: engine.KindItemProduced, Item: &engine.ProducedItem{
					Name:       engine.ItemToolCalled,
					Invocation: inv,
				}},
			})

			if len(emitted) != 1 {
				t.Fatalf("Expected 1 event, got %d", len(emitted))
			}
			if emitted[0].Type != serverToolCall {
				t.Errorf("Expected type %q, got %q", serverToolCall, emitted[0].Type)
			}
			if emitted[0].Action != tt.want {
				t.Errorf("Expected action %q, got %q", tt.want, emitted[0].Action)
			}
		})
	}
}

func TestTranslatorToolCallFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		invocation string
	}{
		{"undecodable invocation", `garbage`},
		{"not a function call", `{"type": "reasoning", "name": "x"}`},
		{"missing name", `{"type": "function_call"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emitted := collectEvents(t, []engine.Event{
				{Kind: engine.KindItemProduced, Item: &engine.ProducedItem{
					Name:       engine.ItemToolCalled,
					Invocation: json.RawMessage(tt.invocation),
				}},
			})

			if len(emitted) != 1 {
				t.Fatalf("Expected 1 event, got %d", len(emitted))
			}
			if emitted[0].Action != CategoryProcessing {
				t.Errorf("Expected PROCESSING fallback, got %q", emitted[0].Action)
			}
		})
	}
}

func TestTranslatorIgnoresUnrelatedItems(t *testing.T) {
	_, emitted := collectEvents(t, []engine.Event{
		{Kind: engine.KindItemProduced, Item: &engine.ProducedItem{Name: "reasoning_step"}},
		{Kind: engine.KindItemProduced},
	})

	if len(emitted) != 0 {
		t.Errorf("Expected no events for unrelated items, got %d", len(emitted))
	}
}
