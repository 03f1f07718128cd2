// Package engine defines the conversational-agent execution engine
// consumed by the chat broker, and an OpenAI-backed implementation.
// The engine's internal reasoning and tool execution is a black box: it
// takes an ordered turn list and asynchronously emits typed events,
// eventually yielding a final output and an updated turn list.
package engine

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/medchart-labs/medchart/internal/domain"
)

// EventKind enumerates the raw event kinds the broker understands. The set
// is closed; anything an implementation cannot map stays off the stream.
type EventKind string

const (
	// KindTextDelta carries an incremental fragment of assistant text. Its
	// payload is either a JSON string or an object with a "text" field.
	KindTextDelta EventKind = "text_delta"
	// KindTextAdded carries a plain string of appended assistant text.
	KindTextAdded EventKind = "text_added"
	// KindContentPartAdded carries a raw content part; only parts of type
	// output_text with a string text field contribute assistant text.
	KindContentPartAdded EventKind = "content_part_added"
	// KindItemProduced signals the engine produced an item mid-run, e.g. a
	// tool invocation.
	KindItemProduced EventKind = "item_produced"
)

// ItemToolCalled is the produced-item name signaling a tool invocation.
const ItemToolCalled = "tool_called"

// Event is one raw engine event. Exactly one payload field is meaningful
// for a given Kind; the rest are zero.
type Event struct {
	Kind EventKind

	// Delta is the raw payload of a KindTextDelta event.
	Delta json.RawMessage
	// Text is the body of a KindTextAdded event.
	Text string
	// Part is the raw content part of a KindContentPartAdded event.
	Part json.RawMessage
	// Item describes a KindItemProduced event.
	Item *ProducedItem
}

// ProducedItem is the payload of an item_produced event. Invocation holds
// the raw tool-invocation record when Name is ItemToolCalled.
type ProducedItem struct {
	Name       string
	Invocation json.RawMessage
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	// FinalOutput is the engine's structured final text. May be empty even
	// on success; callers fall back to the streamed deltas.
	FinalOutput string
	// History is the full updated turn list, input turns included.
	History []domain.TurnItem
}

// RunStream is one in-flight run. Events must be drained before Result is
// consulted; Result reports the stream error if the run failed.
type RunStream interface {
	Events() iter.Seq2[Event, error]
	Result() (*RunResult, error)
}

// Engine executes one run over an ordered turn list.
type Engine interface {
	Run(ctx context.Context, history []domain.TurnItem) (RunStream, error)
}
