package ui

import (
	"fmt"
	"time"

	"github.com/samsaffron/tau/internal/agent"
)

// SessionStats tracks statistics for a session.
type SessionStats struct {
	StartTime         time.Time
	InputTokens       int
	CachedInputTokens int
	OutputTokens      int
	ToolCallCount     int
	TurnCount         int // For multi-turn sessions (chat)
	RetryCount        int
	CompactionCount   int

	// Time tracking
	LLMTime       time.Duration
	ToolTime      time.Duration
	lastEventTime time.Time
	inTool        int // tools currently running
}

// NewSessionStats creates a new SessionStats with StartTime set to now.
func NewSessionStats() *SessionStats {
	now := time.Now()
	return &SessionStats{
		StartTime:     now,
		lastEventTime: now,
	}
}

// Observe folds an agent event into the stats.
func (s *SessionStats) Observe(ev agent.Event) {
	switch ev.Type {
	case agent.EventToolExecuting:
		s.ToolStart()
	case agent.EventToolCompleted:
		s.ToolEnd()
	case agent.EventRetrying:
		s.RetryCount++
	case agent.EventCompacted:
		s.CompactionCount++
	case agent.EventTurnCompleted, agent.EventTurnFailed, agent.EventTurnCancelled:
		s.AddUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CachedInputTokens)
		s.AddTurn()
		s.Finalize()
	}
}

// AddUsage adds token usage to the stats.
func (s *SessionStats) AddUsage(input, output, cached int) {
	s.InputTokens += input
	s.OutputTokens += output
	s.CachedInputTokens += cached
}

// ToolStart marks the start of a tool execution.
func (s *SessionStats) ToolStart() {
	now := time.Now()
	if s.inTool == 0 {
		// Was in LLM phase, record LLM time
		s.LLMTime += now.Sub(s.lastEventTime)
		s.lastEventTime = now
	}
	s.inTool++
	s.ToolCallCount++
}

// ToolEnd marks the end of a tool execution. Sibling tools overlap, so the
// tool phase ends with the last one.
func (s *SessionStats) ToolEnd() {
	if s.inTool == 0 {
		return
	}
	s.inTool--
	if s.inTool == 0 {
		now := time.Now()
		s.ToolTime += now.Sub(s.lastEventTime)
		s.lastEventTime = now
	}
}

// Finalize records any remaining time.
func (s *SessionStats) Finalize() {
	now := time.Now()
	if s.inTool > 0 {
		s.ToolTime += now.Sub(s.lastEventTime)
	} else {
		s.LLMTime += now.Sub(s.lastEventTime)
	}
	s.inTool = 0
	s.lastEventTime = now
}

// AddTurn increments the turn count.
func (s *SessionStats) AddTurn() {
	s.TurnCount++
}

// Render returns the stats as a compact single-line string.
func (s SessionStats) Render() string {
	total := time.Since(s.StartTime)

	tokensStr := fmt.Sprintf("%s in / %s out",
		formatTokenCount(s.InputTokens),
		formatTokenCount(s.OutputTokens))
	if s.CachedInputTokens > 0 {
		tokensStr += fmt.Sprintf(" (%s cached)", formatTokenCount(s.CachedInputTokens))
	}

	var timeStr string
	if s.ToolCallCount > 0 {
		timeStr = fmt.Sprintf("%.1fs (llm %.1fs + tool %.1fs)",
			total.Seconds(), s.LLMTime.Seconds(), s.ToolTime.Seconds())
	} else {
		timeStr = fmt.Sprintf("%.1fs", total.Seconds())
	}

	out := fmt.Sprintf("Stats: %s | %s | %d tools", timeStr, tokensStr, s.ToolCallCount)
	if s.TurnCount > 1 {
		// Multi-turn format: Stats: 34.5s | 3 turns | 1.2k in / 4.5k out | 5 tools
		out = fmt.Sprintf("Stats: %s | %d turns | %s | %d tools",
			timeStr, s.TurnCount, tokensStr, s.ToolCallCount)
	}
	if s.RetryCount > 0 {
		out += fmt.Sprintf(" | %d retries", s.RetryCount)
	}
	if s.CompactionCount > 0 {
		out += fmt.Sprintf(" | %d compactions", s.CompactionCount)
	}
	return out
}

// formatTokenCount formats a number in compact form (e.g., 999, 1.2k, 3.4M)
func formatTokenCount(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1000)) + "k"
	default:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1000000)) + "M"
	}
}

func trimZero(s string) string {
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}
