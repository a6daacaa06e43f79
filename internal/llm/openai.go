package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider using the Chat Completions API. With a
// base URL it also serves OpenAI-compatible servers (Ollama, LM Studio, vLLM).
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	baseURL    string
	credential string
}

func NewOpenAIProvider(apiKey, baseURL, model, credential string) (*OpenAIProvider, error) {
	// Local compatible servers usually run without a key.
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai: no API key configured (set OPENAI_API_KEY or openai.api_key)")
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("none"))
		credential = "none"
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{
		client:     &client,
		model:      model,
		baseURL:    baseURL,
		credential: credential,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	if p.baseURL != "" {
		return fmt.Sprintf("OpenAI-compatible (%s @ %s)", p.model, p.baseURL)
	}
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

func (p *OpenAIProvider) Credential() string {
	return p.credential
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(chooseModel(req.Model, p.model)),
			Messages: buildOpenAIMessages(req.System, req.Messages),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if len(req.Tools) > 0 {
			params.Tools = buildOpenAITools(req.Tools)
		}
		if req.MaxOutputTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
		}
		if req.Temperature > 0 {
			params.Temperature = openai.Float(float64(req.Temperature))
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()
		return pump(ctx, classifyOpenAIError, stream, newOpenAIDecoder(), events)
	}), nil
}

func classifyOpenAIError(err error) *StreamError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return classifyHTTPError("openai", apiErr.StatusCode, apiErr.Response.Header, err)
	}
	return ClassifyError("openai", err)
}

// openaiDecoder reassembles Chat Completions chunks. Tool calls are keyed by
// their position in delta.tool_calls; the first fragment for a position binds
// its id for the rest of the stream.
type openaiDecoder struct {
	calls    map[int64]*pendingCall
	usage    Usage
	stop     StopReason
	finished bool
}

func newOpenAIDecoder() *openaiDecoder {
	return &openaiDecoder{calls: make(map[int64]*pendingCall)}
}

// reasoningFields are the non-standard delta keys compatible servers use for
// reasoning text.
var reasoningFields = []string{"reasoning_content", "reasoning"}

func (d *openaiDecoder) Decode(chunk openai.ChatCompletionChunk, emit func(Event)) error {
	if chunk.JSON.Usage.Valid() {
		d.usage = Usage{
			InputTokens:       int(chunk.Usage.PromptTokens),
			OutputTokens:      int(chunk.Usage.CompletionTokens),
			CachedInputTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
			ReasoningTokens:   int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
		}
	}

	for _, choice := range chunk.Choices {
		delta := choice.Delta
		for _, key := range reasoningFields {
			field, ok := delta.JSON.ExtraFields[key]
			if !ok || !field.Valid() {
				continue
			}
			var text string
			if err := json.Unmarshal([]byte(field.Raw()), &text); err == nil && text != "" {
				emit(Event{Type: EventReasoningDelta, Text: text})
			}
		}
		if delta.Content != "" {
			emit(Event{Type: EventTextDelta, Text: delta.Content})
		}

		if d.finished && len(delta.ToolCalls) > 0 {
			return NewStreamError(ErrProtocol, "tool_calls fragment after finish_reason")
		}
		for _, tc := range delta.ToolCalls {
			call := d.calls[tc.Index]
			if call == nil {
				id := tc.ID
				if id == "" {
					id = syntheticCallID(int(tc.Index))
				}
				call = &pendingCall{id: id}
				d.calls[tc.Index] = call
			}
			if call.name == "" && tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
			emit(Event{Type: EventToolCallDelta, Tool: &ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}})
		}

		if choice.FinishReason != "" && !d.finished {
			d.finished = true
			d.stop = mapOpenAIStop(choice.FinishReason)
			if err := d.completeCalls(emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *openaiDecoder) completeCalls(emit func(Event)) error {
	positions := make([]int64, 0, len(d.calls))
	for pos := range d.calls {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, pos := range positions {
		done, err := d.calls[pos].complete()
		if err != nil {
			return err
		}
		emit(Event{Type: EventToolCallComplete, Tool: done})
	}
	d.calls = make(map[int64]*pendingCall)
	return nil
}

func (d *openaiDecoder) Finish(emit func(Event)) error {
	if !d.finished {
		return NewStreamError(ErrTruncated, "stream ended before finish_reason")
	}
	if len(d.calls) > 0 {
		return NewStreamError(ErrProtocol, "%d tool call(s) left incomplete", len(d.calls))
	}
	finishEvents(emit, d.usage, d.stop)
	return nil
}

func mapOpenAIStop(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopOther
	}
}

func buildOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Text()))
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := msg.Text(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, call := range msg.ToolCalls() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(toolInputToRaw(call.Arguments)),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(toolResultText(part.ToolResult), part.ToolResult.ID))
				}
			}
		}
	}
	return out
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Schema),
			},
		})
	}
	return tools
}
