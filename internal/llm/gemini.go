package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider using the Google Gemini API.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	thinking   bool
	credential string
}

// parseGeminiModelThinking strips a -thinking suffix, which turns on thought
// summaries in the stream.
func parseGeminiModelThinking(model string) (string, bool) {
	if strings.HasSuffix(model, "-thinking") {
		return strings.TrimSuffix(model, "-thinking"), true
	}
	return model, false
}

func NewGeminiProvider(ctx context.Context, apiKey, baseURL, model, credential string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: no API key configured (set GEMINI_API_KEY or gemini.api_key)")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	baseModel, thinking := parseGeminiModelThinking(model)
	return &GeminiProvider{
		client:     client,
		model:      baseModel,
		thinking:   thinking,
		credential: credential,
	}, nil
}

func (p *GeminiProvider) Name() string {
	if p.thinking {
		return fmt.Sprintf("Gemini (%s, thinking)", p.model)
	}
	return fmt.Sprintf("Gemini (%s)", p.model)
}

func (p *GeminiProvider) Credential() string {
	return p.credential
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		system, contents := buildGeminiContents(req.Messages)
		if req.System != "" {
			system = joinSystem(req.System, system)
		}
		if len(contents) == 0 {
			return NewStreamError(ErrProtocol, "no user content provided")
		}

		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
		}
		if p.thinking {
			config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}
		if req.Temperature > 0 {
			t := req.Temperature
			config.Temperature = &t
		}

		src := newSeqSource(p.client.Models.GenerateContentStream(ctx, chooseModel(req.Model, p.model), contents, config))
		defer src.Close()
		return pump(ctx, classifyGeminiError, src, newGeminiDecoder(), events)
	}), nil
}

func classifyGeminiError(err error) *StreamError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPError("gemini", apiErr.Code, nil, err)
	}
	return ClassifyError("gemini", err)
}

// geminiDecoder turns generateContent stream chunks into events. Function
// calls arrive whole, so each one yields a delta carrying the full arguments
// followed by its completion.
type geminiDecoder struct {
	calls    int
	usage    Usage
	reason   genai.FinishReason
	finished bool
}

func newGeminiDecoder() *geminiDecoder {
	return &geminiDecoder{}
}

func (d *geminiDecoder) Decode(resp *genai.GenerateContentResponse, emit func(Event)) error {
	if resp == nil {
		return nil
	}
	if m := resp.UsageMetadata; m != nil {
		d.usage = Usage{
			InputTokens:       int(m.PromptTokenCount),
			OutputTokens:      int(m.CandidatesTokenCount + m.ThoughtsTokenCount),
			CachedInputTokens: int(m.CachedContentTokenCount),
			ReasoningTokens:   int(m.ThoughtsTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				if part.FunctionCall.Name == "" {
					return NewStreamError(ErrProtocol, "function call without a name")
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = syntheticCallID(d.calls)
				}
				d.calls++
				args := json.RawMessage("{}")
				if part.FunctionCall.Args != nil {
					data, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						return NewStreamError(ErrProtocol, "function call %s: %v", part.FunctionCall.Name, err)
					}
					args = data
				}
				call := &ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args, ThoughtSig: part.ThoughtSignature}
				delta := *call
				emit(Event{Type: EventToolCallDelta, Tool: &delta})
				emit(Event{Type: EventToolCallComplete, Tool: call})
			case part.Thought:
				if part.Text != "" {
					emit(Event{Type: EventReasoningDelta, Text: part.Text})
				}
			case part.Text != "":
				emit(Event{Type: EventTextDelta, Text: part.Text})
			}
		}
	}
	if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
		d.reason = cand.FinishReason
		d.finished = true
	}
	return nil
}

func (d *geminiDecoder) Finish(emit func(Event)) error {
	if !d.finished {
		return NewStreamError(ErrTruncated, "stream ended without a finish reason")
	}
	finishEvents(emit, d.usage, mapGeminiStop(d.reason, d.calls > 0))
	return nil
}

// mapGeminiStop normalizes a finish reason. Gemini reports STOP for turns
// that end in function calls.
func mapGeminiStop(reason genai.FinishReason, sawCalls bool) StopReason {
	switch reason {
	case genai.FinishReasonStop:
		if sawCalls {
			return StopToolUse
		}
		return StopEndTurn
	case genai.FinishReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopOther
	}
}

func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		var content *genai.Content
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				systemParts = append(systemParts, text)
			}
		case RoleUser:
			content = buildGeminiContent(genai.RoleUser, msg.Parts)
		case RoleAssistant:
			content = buildGeminiContent(genai.RoleModel, msg.Parts)
		case RoleTool:
			content = buildGeminiToolResultContent(msg.Parts)
			// Consecutive results go back as one user turn.
			if content != nil && len(contents) > 0 && msg.Role == RoleTool && isFunctionResponse(contents[len(contents)-1]) {
				last := contents[len(contents)-1]
				last.Parts = append(last.Parts, content.Parts...)
				content = nil
			}
		}
		if content != nil {
			contents = append(contents, content)
		}
	}

	return strings.Join(systemParts, "\n\n"), contents
}

func isFunctionResponse(c *genai.Content) bool {
	return c.Role == genai.RoleUser && len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func buildGeminiContent(role string, parts []Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsMap(part.ToolCall.Arguments),
				},
				ThoughtSignature: part.ToolCall.ThoughtSig,
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func buildGeminiToolResultContent(parts []Part) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, part := range parts {
		if part.Type != PartToolResult || part.ToolResult == nil {
			continue
		}
		key := "output"
		if part.ToolResult.IsError {
			key = "error"
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       part.ToolResult.ID,
				Name:     part.ToolResult.Name,
				Response: map[string]any{key: toolResultText(part.ToolResult)},
			},
		})
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: spec.Schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
