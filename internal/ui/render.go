package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/samsaffron/tau/internal/agent"
	"github.com/samsaffron/tau/internal/llm"
)

const maxToolPreview = 60

// Renderer writes agent events to a line-oriented terminal.
type Renderer struct {
	w             io.Writer
	styles        *Styles
	showReasoning bool

	atLineStart bool
	inReasoning bool
}

// NewRenderer creates a renderer writing to w. Reasoning deltas are shown
// only when showReasoning is set.
func NewRenderer(w io.Writer, showReasoning bool) *Renderer {
	return &Renderer{
		w:             w,
		styles:        NewStyles(w),
		showReasoning: showReasoning,
		atLineStart:   true,
	}
}

// Render writes one event.
func (r *Renderer) Render(ev agent.Event) {
	switch ev.Type {
	case agent.EventStream:
		r.renderStream(ev.Stream)

	case agent.EventToolExecuting:
		if ev.Call == nil {
			return
		}
		r.endReasoning()
		r.line(r.styles.Highlighted.Render(ToolIcon+" "+ev.Call.Name) + r.styles.Muted.Render(formatToolArgs(ev.Call.Arguments)))

	case agent.EventToolCompleted:
		if ev.Result == nil {
			return
		}
		r.line("  " + r.formatResult(ev.Result))

	case agent.EventCompacted:
		how := "summarized"
		if !ev.Summarized {
			how = "dropped"
		}
		r.line(r.styles.Muted.Render(fmt.Sprintf("[context compacted: %d messages %s, ~%s → ~%s tokens]",
			ev.Dropped, how, formatTokenCount(ev.TokensBefore), formatTokenCount(ev.TokensAfter))))

	case agent.EventRetrying:
		msg := fmt.Sprintf("retrying in %s (attempt %d)", ev.Delay.Round(100*time.Millisecond), ev.Attempt)
		if ev.Err != nil {
			msg += ": " + firstLine(ev.Err.Error())
		}
		r.line(r.styles.Warning.Render(msg))

	case agent.EventLoopDetected:
		r.line(r.styles.Warning.Render("repeated tool pattern: " + strings.Join(ev.Pattern, " → ")))

	case agent.EventTurnCompleted:
		r.endReasoning()
		r.newline()

	case agent.EventTurnFailed:
		r.endReasoning()
		msg := fmt.Sprintf("%s turn failed (%s)", FailIcon, ev.Kind)
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		r.line(r.styles.Error.Render(msg))

	case agent.EventTurnCancelled:
		r.endReasoning()
		r.line(r.styles.Muted.Render("(cancelled)"))
	}
}

func (r *Renderer) renderStream(ev llm.Event) {
	switch ev.Type {
	case llm.EventTextDelta:
		if ev.Text == "" {
			return
		}
		r.endReasoning()
		r.write(ev.Text)
	case llm.EventReasoningDelta:
		if !r.showReasoning || ev.Text == "" {
			return
		}
		r.inReasoning = true
		r.write(r.styles.Muted.Render(ev.Text))
	}
}

func (r *Renderer) formatResult(res *llm.ToolResult) string {
	dur := res.Duration.Round(time.Millisecond)
	if res.IsError {
		return r.styles.Error.Render(fmt.Sprintf("%s %s %s: %s", FailIcon, res.ErrKind, dur, firstLine(res.Content)))
	}
	detail := fmt.Sprintf("%d lines", countLines(res.Content))
	if res.Truncated {
		detail += ", truncated"
	}
	return r.styles.Success.Render(SuccessIcon) + r.styles.Muted.Render(fmt.Sprintf(" %s (%s)", dur, detail))
}

// endReasoning separates a reasoning block from what follows it.
func (r *Renderer) endReasoning() {
	if r.inReasoning {
		r.inReasoning = false
		r.newline()
		r.write("\n")
	}
}

func (r *Renderer) line(s string) {
	r.newline()
	r.write(s + "\n")
}

// newline terminates a partially written line.
func (r *Renderer) newline() {
	if !r.atLineStart {
		r.write("\n")
	}
}

func (r *Renderer) write(s string) {
	if s == "" {
		return
	}
	io.WriteString(r.w, s)
	r.atLineStart = strings.HasSuffix(s, "\n")
}

// formatToolArgs renders arguments as "(k=v, ...)" with long values clipped.
func formatToolArgs(raw json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := args[k].(type) {
		case string:
			v = val
		default:
			b, _ := json.Marshal(val)
			v = string(b)
		}
		v = firstLine(v)
		if len(v) > maxToolPreview {
			v = v[:maxToolPreview-3] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
