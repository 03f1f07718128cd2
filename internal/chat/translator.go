package chat

import (
	"encoding/json"
	"strings"

	"github.com/medchart-labs/medchart/internal/engine"
)

// Translator consumes the raw engine event stream for one run and emits
// normalized wire events under the run's request id. Events are relayed in
// emission order, no reordering or buffering beyond pass-through; the
// streamed delta text is accumulated for the completion fallback.
type Translator struct {
	requestID string
	emit      func(messageEvent) error
	streamed  strings.Builder
}

// NewTranslator creates a translator for one run. emit is called once per
// normalized event, in order.
func NewTranslator(requestID string, emit func(messageEvent) error) *Translator {
	return &Translator{requestID: requestID, emit: emit}
}

// Relay translates one raw engine event. Events that are neither a text
// delta nor a tool call produce nothing.
func (t *Translator) Relay(ev engine.Event) error {
	if delta, ok := extractDelta(ev); ok {
		t.streamed.WriteString(delta)
		return t.emit(messageEvent{
			Type:  serverMessageDelta,
			ID:    t.requestID,
			Delta: delta,
		})
	}

	if category, ok := classifyToolCall(ev); ok {
		return t.emit(messageEvent{
			Type:   serverToolCall,
			ID:     t.requestID,
			Action: category,
		})
	}

	return nil
}

// Streamed returns the concatenation of all deltas relayed so far.
func (t *Translator) Streamed() string {
	return t.streamed.String()
}

// deltaPayload is the structured form of a text_delta payload.
type deltaPayload struct {
	Text json.RawMessage `json:"text"`
}

// rawPart is the decoded shape of a content_part_added part.
type rawPart struct {
	Type string          `json:"type"`
	Text json.RawMessage `json:"text"`
}

// toolInvocation is the raw record carried by a tool_called item.
type toolInvocation struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// extractDelta applies the delta-extraction rule: a text_delta whose
// payload is a plain string or an object with a string text field, a
// text_added with a plain string body, or a content_part_added whose part
// is output_text with a string text field. Anything else yields no delta.
func extractDelta(ev engine.Event) (string, bool) {
	switch ev.Kind {
	case engine.KindTextDelta:
		var plain string
		if err := json.Unmarshal(ev.Delta, &plain); err == nil {
			return plain, true
		}
		var payload deltaPayload
		if err := json.Unmarshal(ev.Delta, &payload); err != nil {
			return "", false
		}
		var text string
		if err := json.Unmarshal(payload.Text, &text); err != nil {
			return "", false
		}
		return text, true

	case engine.KindTextAdded:
		return ev.Text, true

	case engine.KindContentPartAdded:
		var part rawPart
		if err := json.Unmarshal(ev.Part, &part); err != nil {
			return "", false
		}
		if part.Type != "output_text" {
			return "", false
		}
		var text string
		if err := json.Unmarshal(part.Text, &text); err != nil {
			return "", false
		}
		return text, true
	}

	return "", false
}

// classifyToolCall applies the tool-call classification rule: an
// item_produced named tool_called carrying a function_call record with a
// string name classifies through the static table; an unmapped or missing
// name classifies as PROCESSING.
func classifyToolCall(ev engine.Event) (ToolCategory, bool) {
	if ev.Kind != engine.KindItemProduced || ev.Item == nil {
		return "", false
	}
	if ev.Item.Name != engine.ItemToolCalled {
		return "", false
	}

	var inv toolInvocation
	if err := json.Unmarshal(ev.Item.Invocation, &inv); err != nil {
		return CategoryProcessing, true
	}
	if inv.Type != "function_call" || inv.Name == "" {
		return CategoryProcessing, true
	}
	return categorizeTool(inv.Name), true
}
