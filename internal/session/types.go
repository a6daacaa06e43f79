package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samsaffron/tau/internal/llm"
)

// SessionStatus represents the outcome of the most recent turn.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"      // A turn is running or the session is open
	StatusComplete    SessionStatus = "complete"    // Last turn finished normally
	StatusError       SessionStatus = "error"       // Last turn failed
	StatusInterrupted SessionStatus = "interrupted" // Last turn was cancelled by the user
)

// SessionMode represents how the session was started.
type SessionMode string

const (
	ModeChat SessionMode = "chat" // Interactive line REPL
	ModeRun  SessionMode = "run"  // One-shot prompt
)

// Session represents a conversation stored in the database.
type Session struct {
	ID         string      `json:"id"`
	Number     int64       `json:"number,omitempty"` // Sequential session number (1, 2, 3...)
	Name       string      `json:"name,omitempty"`
	Summary    string      `json:"summary,omitempty"` // First user message
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Mode       SessionMode `json:"mode,omitempty"`
	CWD        string      `json:"cwd,omitempty"` // Working directory at session start
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Generation int         `json:"generation"` // Compaction generation of the stored messages

	InputTokens       int           `json:"input_tokens,omitempty"`
	CachedInputTokens int           `json:"cached_input_tokens,omitempty"`
	OutputTokens      int           `json:"output_tokens,omitempty"`
	ReasoningTokens   int           `json:"reasoning_tokens,omitempty"`
	Status            SessionStatus `json:"status,omitempty"`
}

// Usage returns the cumulative token usage recorded for the session.
func (s *Session) Usage() llm.Usage {
	return llm.Usage{
		InputTokens:       s.InputTokens,
		CachedInputTokens: s.CachedInputTokens,
		OutputTokens:      s.OutputTokens,
		ReasoningTokens:   s.ReasoningTokens,
	}
}

// Message represents a message row. Parts holds the full llm.Message parts
// as JSON so tool calls and results round-trip exactly.
type Message struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text_content"` // Extracted text for display/FTS
	CreatedAt   time.Time  `json:"created_at"`
	Sequence    int        `json:"sequence"`
}

// SessionSummary is a lightweight view of a session for listing.
type SessionSummary struct {
	ID           string        `json:"id"`
	Number       int64         `json:"number,omitempty"`
	Name         string        `json:"name,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Mode         SessionMode   `json:"mode,omitempty"`
	MessageCount int           `json:"message_count"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Status       SessionStatus `json:"status,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ListOptions configures session listing.
type ListOptions struct {
	Provider string        // Filter by provider
	Model    string        // Filter by model
	Mode     SessionMode   // Filter by mode
	Status   SessionStatus // Filter by status
	Limit    int           // Max results (0 = use default)
	Offset   int           // Pagination offset
}

// SearchResult represents a search match.
type SearchResult struct {
	SessionID     string    `json:"session_id"`
	SessionNumber int64     `json:"session_number"`
	MessageID     int64     `json:"message_id"`
	Summary       string    `json:"summary"`
	Snippet       string    `json:"snippet"` // Matched text snippet
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewID returns a new random session ID.
func NewID() string {
	return uuid.NewString()
}

// NewMessage creates a Message from an llm.Message with the given session ID and sequence.
func NewMessage(sessionID string, msg llm.Message, sequence int) *Message {
	m := &Message{
		SessionID: sessionID,
		Role:      msg.Role,
		Parts:     msg.Parts,
		CreatedAt: time.Now(),
		Sequence:  sequence,
	}
	m.TextContent = m.ExtractTextContent()
	return m
}

// ExtractTextContent concatenates the text of the message, including tool
// results so they are searchable.
func (m *Message) ExtractTextContent() string {
	var parts []string
	for _, p := range m.Parts {
		switch {
		case p.Type == llm.PartText && p.Text != "":
			parts = append(parts, p.Text)
		case p.Type == llm.PartToolResult && p.ToolResult != nil && p.ToolResult.Content != "":
			parts = append(parts, p.ToolResult.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// ToLLMMessage converts a Message back to an llm.Message.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{
		Role:  m.Role,
		Parts: m.Parts,
	}
}

// PartsJSON returns the Parts field serialized to JSON for database storage.
func (m *Message) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPartsFromJSON deserializes JSON into the Parts field.
func (m *Message) SetPartsFromJSON(data string) error {
	if data == "" {
		m.Parts = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TruncateSummary returns the first line of content, truncated to 100 chars.
func TruncateSummary(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
