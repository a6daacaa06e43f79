package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	client         *anthropic.Client
	model          string
	thinkingBudget int64 // 0 = disabled
	credential     string
}

// parseModelThinking extracts -thinking suffix from model name.
// "claude-sonnet-4-5-thinking" -> ("claude-sonnet-4-5", 10000)
func parseModelThinking(model string) (string, int64) {
	if strings.HasSuffix(model, "-thinking") {
		return strings.TrimSuffix(model, "-thinking"), 10000
	}
	return model, 0
}

// NewAnthropicProvider creates a new Anthropic provider. baseURL may be empty.
func NewAnthropicProvider(apiKey, baseURL, model, credential string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	actualModel, budget := parseModelThinking(model)
	return &AnthropicProvider{
		client:         &client,
		model:          actualModel,
		thinkingBudget: budget,
		credential:     credential,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	if p.thinkingBudget > 0 {
		return fmt.Sprintf("Anthropic (%s, thinking=%dk)", p.model, p.thinkingBudget/1000)
	}
	return fmt.Sprintf("Anthropic (%s)", p.model)
}

func (p *AnthropicProvider) Credential() string {
	return p.credential
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		system, messages := buildAnthropicMessages(req.Messages)
		if req.System != "" {
			system = joinSystem(req.System, system)
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(chooseModel(req.Model, p.model)),
			MaxTokens: maxTokens(req.MaxOutputTokens, 8192),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildAnthropicTools(req.Tools)
		}
		if p.thinkingBudget > 0 {
			params.MaxTokens = maxTokens(req.MaxOutputTokens, 16000)
			params.Thinking = anthropic.ThinkingConfigParamUnion{
				OfEnabled: &anthropic.ThinkingConfigEnabledParam{
					BudgetTokens: p.thinkingBudget,
				},
			}
		} else if req.Temperature > 0 {
			params.Temperature = anthropic.Float(float64(req.Temperature))
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		return pump(ctx, classifyAnthropicError, stream, newAnthropicDecoder(), events)
	}), nil
}

func classifyAnthropicError(err error) *StreamError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return classifyHTTPError("anthropic", apiErr.StatusCode, apiErr.Response.Header, err)
	}
	return ClassifyError("anthropic", err)
}

// anthropicDecoder reassembles Messages API stream events. Tool input
// fragments are buffered per content block index and released when the
// block stops.
type anthropicDecoder struct {
	blocks  map[int64]*pendingCall
	usage   Usage
	stop    StopReason
	stopped bool
}

func newAnthropicDecoder() *anthropicDecoder {
	return &anthropicDecoder{blocks: make(map[int64]*pendingCall)}
}

func (d *anthropicDecoder) Decode(event anthropic.MessageStreamEventUnion, emit func(Event)) error {
	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		u := variant.Message.Usage
		d.usage.InputTokens = int(u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens)
		d.usage.CachedInputTokens = int(u.CacheReadInputTokens)
		d.usage.OutputTokens = int(u.OutputTokens)

	case anthropic.ContentBlockStartEvent:
		switch block := variant.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			d.blocks[variant.Index] = &pendingCall{id: block.ID, name: block.Name}
		case anthropic.ThinkingBlock:
			if block.Thinking != "" || block.Signature != "" {
				emit(Event{Type: EventReasoningDelta, Text: block.Thinking, Signature: block.Signature})
			}
		case anthropic.TextBlock:
			if block.Text != "" {
				emit(Event{Type: EventTextDelta, Text: block.Text})
			}
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				emit(Event{Type: EventTextDelta, Text: delta.Text})
			}
		case anthropic.ThinkingDelta:
			if delta.Thinking != "" {
				emit(Event{Type: EventReasoningDelta, Text: delta.Thinking})
			}
		case anthropic.SignatureDelta:
			if delta.Signature != "" {
				emit(Event{Type: EventReasoningDelta, Signature: delta.Signature})
			}
		case anthropic.InputJSONDelta:
			call := d.blocks[variant.Index]
			if call == nil {
				return NewStreamError(ErrProtocol, "input_json_delta for block %d without tool_use start", variant.Index)
			}
			if delta.PartialJSON == "" {
				return nil
			}
			call.args.WriteString(delta.PartialJSON)
			emit(Event{Type: EventToolCallDelta, Tool: &ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: json.RawMessage(delta.PartialJSON),
			}})
		}

	case anthropic.ContentBlockStopEvent:
		call := d.blocks[variant.Index]
		if call == nil {
			return nil
		}
		delete(d.blocks, variant.Index)
		done, err := call.complete()
		if err != nil {
			return err
		}
		emit(Event{Type: EventToolCallComplete, Tool: done})

	case anthropic.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			d.stop = mapAnthropicStop(string(variant.Delta.StopReason))
		}
		if variant.Usage.OutputTokens > 0 {
			d.usage.OutputTokens = int(variant.Usage.OutputTokens)
		}
		if variant.Usage.InputTokens > 0 {
			d.usage.InputTokens = int(variant.Usage.InputTokens + variant.Usage.CacheReadInputTokens + variant.Usage.CacheCreationInputTokens)
			d.usage.CachedInputTokens = int(variant.Usage.CacheReadInputTokens)
		}

	case anthropic.MessageStopEvent:
		d.stopped = true
	}
	return nil
}

func (d *anthropicDecoder) Finish(emit func(Event)) error {
	if !d.stopped {
		return NewStreamError(ErrTruncated, "stream ended before message_stop")
	}
	if len(d.blocks) > 0 {
		return NewStreamError(ErrProtocol, "message_stop with %d tool_use block(s) never stopped", len(d.blocks))
	}
	finishEvents(emit, d.usage, d.stop)
	return nil
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopOther
	}
}

func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam
	lastWasTool := false

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, collectTextParts(msg.Parts))
			continue
		case RoleUser:
			if blocks := buildAnthropicBlocks(msg.Parts, false); len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			if blocks := buildAnthropicBlocks(msg.Parts, true); len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			blocks := buildAnthropicBlocks(msg.Parts, false)
			if len(blocks) == 0 {
				continue
			}
			// Results for one assistant turn travel in a single user message.
			if lastWasTool && len(out) > 0 {
				out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			} else {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
		lastWasTool = msg.Role == RoleTool
	}

	return strings.Join(systemParts, "\n\n"), out
}

func buildAnthropicBlocks(parts []Part, allowToolUse bool) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartReasoning:
			// Thinking can only be replayed with its signature.
			if allowToolUse && part.Signature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(part.Signature, part.Text))
			}
		case PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartToolCall:
			if allowToolUse && part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, toolInputToRaw(part.ToolCall.Arguments), part.ToolCall.Name))
			}
		case PartToolResult:
			if part.ToolResult != nil {
				blocks = append(blocks, anthropic.NewToolResultBlock(part.ToolResult.ID, toolResultText(part.ToolResult), part.ToolResult.IsError))
			}
		}
	}
	return blocks
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
