package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Credential() string // Returns credential type for debugging (e.g., "api_key", "env")
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
// A failed stream returns a *StreamError from Recv.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model call.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float32
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Usage *Usage `json:"usage,omitempty"`
}

// Part represents a single content part.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Signature  string      `json:"signature,omitempty"` // opaque reasoning signature (Anthropic thinking)
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ThoughtSig []byte          `json:"thought_sig,omitempty"` // Gemini thought signature, echoed back with the call
}

// ToolErrorKind classifies a failed tool call.
type ToolErrorKind string

const (
	ToolErrInvalidCall      ToolErrorKind = "invalid_call"
	ToolErrTimeout          ToolErrorKind = "timeout"
	ToolErrExecutionFailure ToolErrorKind = "execution_failure"
	ToolErrCancelled        ToolErrorKind = "cancelled"
)

// ToolResult is the outcome of executing a tool call.
// Content holds the output on success and the error message on failure.
type ToolResult struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Content   string        `json:"content"`
	Truncated bool          `json:"truncated,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	ErrKind   ToolErrorKind `json:"err_kind,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventReasoningDelta   EventType = "reasoning_delta"
	EventToolCallDelta    EventType = "tool_call_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventUsage            EventType = "usage"
	EventStop             EventType = "stop"
)

// StopReason is the normalized reason a model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Event represents one normalized stream update.
type Event struct {
	Type EventType
	Text string // text and reasoning deltas

	// Tool call fields. For EventToolCallDelta, Tool.Arguments holds the
	// fragment received; for EventToolCallComplete, the full arguments.
	Tool *ToolCall

	Signature string // reasoning signature fragment
	Use       *Usage
	Stop      StopReason
}

// Usage captures token usage reported by a provider.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"` // Tokens read from cache
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates another usage record.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CachedInputTokens += o.CachedInputTokens
	u.ReasoningTokens += o.ReasoningTokens
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

// ToolResultMessage wraps a single tool result as a tool message.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:  RoleTool,
		Parts: []Part{{Type: PartToolResult, ToolResult: &result}},
	}
}

// ToolCalls returns the tool call requests in the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	return collectTextParts(m.Parts)
}

func collectTextParts(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
