package llm

import (
	"context"
	"encoding/json"
)

// Tool describes a callable local tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error)
	// Preview returns a short human-readable description of what the tool
	// will do, shown before execution starts. Empty if none is available.
	Preview(args json.RawMessage) string
}

// ToolOutput is the successful result of a tool execution.
type ToolOutput struct {
	Content   string
	Truncated bool
}

// TextOutput wraps plain text as a ToolOutput.
func TextOutput(content string) ToolOutput {
	return ToolOutput{Content: content}
}
