// Package domain contains core domain types for the MedChart assistant broker.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn roles surfaced to clients. The broker only interprets these two;
// any other role is passed through to the engine untouched.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnItem is one conversational unit exchanged with the agent engine.
// The broker treats it as opaque beyond role and text extraction: the raw
// JSON is what gets persisted and what gets handed back to the engine.
type TurnItem struct {
	raw json.RawMessage
}

// turnEnvelope is the minimal structure a payload must decode into to be
// considered a valid turn.
type turnEnvelope struct {
	Role    string          `json:"role"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// contentPart is one element of a structured content array.
type contentPart struct {
	Type string          `json:"type"`
	Text json.RawMessage `json:"text"`
}

// ParseTurn validates a serialized turn and wraps it. Payloads that are not
// JSON objects, or that carry neither a role nor an item type, are rejected.
func ParseTurn(payload []byte) (TurnItem, error) {
	var env turnEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return TurnItem{}, fmt.Errorf("decode turn: %w", err)
	}
	if env.Role == "" && env.Type == "" {
		return TurnItem{}, fmt.Errorf("turn has neither role nor type")
	}
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)
	return TurnItem{raw: raw}, nil
}

// UserTurn builds a user turn from plain message text.
func UserTurn(text string) TurnItem {
	raw, _ := json.Marshal(map[string]any{
		"role": RoleUser,
		"content": []map[string]any{
			{"type": "input_text", "text": text},
		},
	})
	return TurnItem{raw: raw}
}

// AssistantTurn builds an assistant turn with a single output_text part.
func AssistantTurn(text string) TurnItem {
	raw, _ := json.Marshal(map[string]any{
		"role": RoleAssistant,
		"content": []map[string]any{
			{"type": "output_text", "text": text},
		},
	})
	return TurnItem{raw: raw}
}

// Raw returns the serialized form of the turn for persistence or engine input.
func (t TurnItem) Raw() json.RawMessage {
	return t.raw
}

// Role returns the turn's role, or "" when the turn carries none.
func (t TurnItem) Role() string {
	var env turnEnvelope
	if err := json.Unmarshal(t.raw, &env); err != nil {
		return ""
	}
	return env.Role
}

// Text extracts the human-readable text of the turn. Content may be a plain
// string or an array of typed parts; parts of type text, input_text, or
// output_text contribute when their text field is a JSON string. The second
// return is false when no text could be extracted.
func (t TurnItem) Text() (string, bool) {
	var env turnEnvelope
	if err := json.Unmarshal(t.raw, &env); err != nil {
		return "", false
	}
	if len(env.Content) == 0 {
		return "", false
	}

	var plain string
	if err := json.Unmarshal(env.Content, &plain); err == nil {
		return plain, true
	}

	var parts []contentPart
	if err := json.Unmarshal(env.Content, &parts); err != nil {
		return "", false
	}

	var b strings.Builder
	found := false
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text", "output_text":
		default:
			continue
		}
		var text string
		if err := json.Unmarshal(p.Text, &text); err != nil {
			continue
		}
		b.WriteString(text)
		found = true
	}
	if !found {
		return "", false
	}
	return b.String(), true
}

// MarshalJSON emits the raw turn payload unchanged.
func (t TurnItem) MarshalJSON() ([]byte, error) {
	if t.raw == nil {
		return []byte("null"), nil
	}
	return t.raw, nil
}

// UnmarshalJSON validates and stores the raw turn payload.
func (t *TurnItem) UnmarshalJSON(data []byte) error {
	turn, err := ParseTurn(data)
	if err != nil {
		return err
	}
	*t = turn
	return nil
}
