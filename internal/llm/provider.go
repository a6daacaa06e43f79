package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/tau/internal/config"
)

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		p, err := NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model, cfg.Anthropic.Credential)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Credential)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gemini":
		p, err := NewGeminiProvider(context.Background(), cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model, cfg.Gemini.Credential)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider: %q (valid: anthropic, openai, gemini)", cfg.Provider)
	}
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}

func joinSystem(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// schemaRequired extracts the "required" list from a JSON schema map.
func schemaRequired(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toolInputToRaw normalizes tool arguments to a JSON object.
func toolInputToRaw(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

// toolArgsMap decodes tool arguments for SDKs that want a map.
func toolArgsMap(args json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &out)
	}
	return out
}

// toolResultText renders a tool result as the text sent back to the model.
func toolResultText(result *ToolResult) string {
	if result.IsError {
		if result.ErrKind != "" {
			return fmt.Sprintf("Error (%s): %s", result.ErrKind, result.Content)
		}
		return "Error: " + result.Content
	}
	if result.Content == "" {
		return "(no output)"
	}
	return result.Content
}
