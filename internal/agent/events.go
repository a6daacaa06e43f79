package agent

import (
	"time"

	"github.com/samsaffron/tau/internal/llm"
)

// EventType identifies an outward agent event.
type EventType string

const (
	EventTurnStarted   EventType = "turn_started"
	EventStream        EventType = "stream"
	EventToolExecuting EventType = "tool_executing"
	EventToolCompleted EventType = "tool_completed"
	EventCompacted     EventType = "compacted"
	EventRetrying      EventType = "retrying"
	EventLoopDetected  EventType = "loop_detected"
	EventTurnCompleted EventType = "turn_completed"
	EventTurnFailed    EventType = "turn_failed"
	EventTurnCancelled EventType = "turn_cancelled"
)

// Event is one update on the agent's event feed. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// EventStream: the normalized provider event, relayed as received.
	Stream llm.Event

	// EventToolExecuting, EventToolCompleted
	Call   *llm.ToolCall
	Result *llm.ToolResult

	// EventCompacted
	Dropped      int
	TokensBefore int
	TokensAfter  int
	Summarized   bool

	// EventRetrying
	Attempt int
	Delay   time.Duration

	// EventLoopDetected
	Pattern []string

	// EventTurnCompleted: usage accumulated over the turn.
	Usage llm.Usage

	// EventTurnFailed, EventRetrying
	Kind FailureKind
	Err  error
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventTurnCompleted, EventTurnFailed, EventTurnCancelled:
		return true
	}
	return false
}
