package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/medchart-labs/medchart/internal/domain"
)

var errRunIncomplete = errors.New("run stream ended without a completed response")

// OpenAIEngine implements Engine over the OpenAI Responses API.
type OpenAIEngine struct {
	client       *openai.Client
	model        string
	instructions string
	logger       *slog.Logger
}

// OpenAIConfig holds configuration for the OpenAI engine.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	Instructions string
}

// NewOpenAIEngine creates an engine backed by the OpenAI Responses API.
func NewOpenAIEngine(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))

	return &OpenAIEngine{
		client:       &client,
		model:        cfg.Model,
		instructions: cfg.Instructions,
		logger:       logger,
	}, nil
}

// Run starts one streaming run over the given turn list.
func (e *OpenAIEngine) Run(ctx context.Context, history []domain.TurnItem) (RunStream, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(e.model),
		Input: e.convertHistory(history),
	}
	if e.instructions != "" {
		params.Instructions = param.NewOpt(e.instructions)
	}

	stream := e.client.Responses.NewStreaming(ctx, params)

	run := &openAIRun{events: make(chan streamItem, 16)}

	go func() {
		defer close(run.events)
		defer func() { _ = stream.Close() }()

		var result *RunResult
		for stream.Next() {
			raw := stream.Current()
			switch raw.Type {
			case "response.output_text.delta":
				delta, err := json.Marshal(raw.Delta)
				if err != nil {
					continue
				}
				run.events <- streamItem{event: Event{Kind: KindTextDelta, Delta: delta}}
			case "response.content_part.added":
				part, err := json.Marshal(raw.Part)
				if err != nil {
					continue
				}
				run.events <- streamItem{event: Event{Kind: KindContentPartAdded, Part: part}}
			case "response.output_item.done":
				if raw.Item.Type != "function_call" {
					continue
				}
				inv, err := json.Marshal(map[string]string{
					"type": "function_call",
					"name": raw.Item.Name,
				})
				if err != nil {
					continue
				}
				run.events <- streamItem{event: Event{
					Kind: KindItemProduced,
					Item: &ProducedItem{Name: ItemToolCalled, Invocation: inv},
				}}
			case "response.completed":
				result = e.buildResult(history, raw.Response)
			}
		}

		if err := stream.Err(); err != nil {
			run.err = fmt.Errorf("run stream: %w", err)
			return
		}
		if result == nil {
			run.err = errRunIncomplete
			return
		}
		run.result = result
	}()

	return run, nil
}

// convertHistory maps turns to Responses API input items. Turns without
// extractable text or with an unrecognized role are skipped.
func (e *OpenAIEngine) convertHistory(history []domain.TurnItem) responses.ResponseNewParamsInputUnion {
	input := make(responses.ResponseInputParam, 0, len(history))
	for _, turn := range history {
		var role responses.EasyInputMessageRole
		switch turn.Role() {
		case domain.RoleUser:
			role = responses.EasyInputMessageRoleUser
		case domain.RoleAssistant:
			role = responses.EasyInputMessageRoleAssistant
		default:
			continue
		}
		text, ok := turn.Text()
		if !ok {
			continue
		}
		input = append(input, responses.ResponseInputItemParamOfMessage(text, role))
	}
	return responses.ResponseNewParamsInputUnion{OfInputItemList: input}
}

// buildResult derives the final output and updated turn list from the
// completed response's output items.
func (e *OpenAIEngine) buildResult(input []domain.TurnItem, resp responses.Response) *RunResult {
	history := make([]domain.TurnItem, len(input), len(input)+len(resp.Output))
	copy(history, input)

	var final string
	for _, item := range resp.Output {
		message := item.AsMessage()
		if message.Type != "message" || string(message.Role) != domain.RoleAssistant {
			continue
		}
		var text string
		for _, content := range message.Content {
			if out := content.AsOutputText(); out.Type == "output_text" {
				text += out.Text
			}
		}
		if text == "" {
			continue
		}
		final += text
		history = append(history, domain.AssistantTurn(text))
	}

	return &RunResult{FinalOutput: final, History: history}
}

type streamItem struct {
	event Event
}

// openAIRun adapts the SDK stream to RunStream. The consuming goroutine
// sets result or err before closing the events channel, so readers that
// drain Events observe them safely.
type openAIRun struct {
	events chan streamItem

	result *RunResult
	err    error
}

func (r *openAIRun) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for item := range r.events {
			if !yield(item.event, nil) {
				return
			}
		}
	}
}

func (r *openAIRun) Result() (*RunResult, error) {
	// Drain any events the caller abandoned so the channel close (and the
	// happens-before edge on result/err) is reached.
	for range r.events {
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}
