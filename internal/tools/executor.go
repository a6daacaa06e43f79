package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"
	"github.com/samsaffron/tau/internal/llm"
)

// timeoutOverrider is implemented by tools that accept their own timeout
// argument. A zero duration keeps the executor default.
type timeoutOverrider interface {
	Timeout(args json.RawMessage) time.Duration
}

// Executor validates and runs tool calls, producing one ToolResult per call.
// It is safe for concurrent use.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	limits   OutputLimits
}

// NewExecutor creates an executor over the registry using cfg's timeout and
// output limits.
func NewExecutor(registry *Registry, cfg ToolConfig) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultToolConfig().Timeout
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		limits:   cfg.Limits(),
	}
}

// Specs returns the specs of every registered tool.
func (e *Executor) Specs() []llm.ToolSpec {
	return e.registry.Specs()
}

// Execute runs a single call. Failures are reported in the result, never as
// a Go error.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result := e.execute(ctx, call)
	result.ID = call.ID
	result.Name = call.Name
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall) (result llm.ToolResult) {
	rt, ok := e.registry.lookup(call.Name)
	if !ok {
		return failure(llm.ToolErrInvalidCall, e.unknownToolMessage(call.Name))
	}

	args := bytes.TrimSpace(call.Arguments)
	if len(args) == 0 {
		args = []byte("{}")
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return failure(llm.ToolErrInvalidCall, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}
	if _, isObject := instance.(map[string]any); !isObject {
		return failure(llm.ToolErrInvalidCall, fmt.Sprintf("invalid arguments for %s: expected a JSON object", call.Name))
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(instance); err != nil {
			return failure(llm.ToolErrInvalidCall, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return failure(llm.ToolErrCancelled, "tool execution cancelled")
	}

	timeout := e.timeout
	if o, ok := rt.tool.(timeoutOverrider); ok {
		if d := o.Timeout(args); d > 0 {
			timeout = d
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	slog.Debug("executing tool", "tool", call.Name, "kind", GetToolKind(call.Name), "timeout", timeout)

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("tool panicked", "tool", call.Name, "panic", r)
			result = failure(llm.ToolErrExecutionFailure, fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	out, err := rt.tool.Execute(execCtx, json.RawMessage(args))

	switch {
	case err == nil:
		content, truncated := ApplyLimits(out.Content, e.limits)
		return llm.ToolResult{Content: content, Truncated: truncated || out.Truncated}
	case ctx.Err() != nil:
		return failure(llm.ToolErrCancelled, "tool execution cancelled")
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("%s timed out after %s", call.Name, timeout)
		if partial := strings.TrimSpace(out.Content); partial != "" {
			msg += "\n\n" + partial
		}
		return e.limitedFailure(llm.ToolErrTimeout, msg)
	}

	if te, ok := AsToolError(err); ok {
		switch te.Type {
		case ErrInvalidParams:
			return e.limitedFailure(llm.ToolErrInvalidCall, te.Message)
		case ErrTimeout:
			return e.limitedFailure(llm.ToolErrTimeout, te.Message)
		default:
			return e.limitedFailure(llm.ToolErrExecutionFailure, te.Message)
		}
	}
	return e.limitedFailure(llm.ToolErrExecutionFailure, err.Error())
}

func (e *Executor) limitedFailure(kind llm.ToolErrorKind, msg string) llm.ToolResult {
	content, truncated := ApplyLimits(msg, e.limits)
	res := failure(kind, content)
	res.Truncated = truncated
	return res
}

func failure(kind llm.ToolErrorKind, msg string) llm.ToolResult {
	return llm.ToolResult{Content: msg, IsError: true, ErrKind: kind}
}

// unknownToolMessage builds an InvalidCall message with the closest
// registered names.
func (e *Executor) unknownToolMessage(name string) string {
	names := e.registry.Names()
	msg := fmt.Sprintf("unknown tool %q", name)
	if suggestion := closestName(name, names); suggestion != "" {
		msg += fmt.Sprintf("; did you mean %q?", suggestion)
	}
	if len(names) > 0 {
		msg += " Available tools: " + strings.Join(names, ", ")
	}
	return msg
}

func closestName(name string, names []string) string {
	if name == "" || len(names) == 0 {
		return ""
	}
	lower := strings.ToLower(name)
	if matches := fuzzy.Find(lower, names); len(matches) > 0 {
		return matches[0].Str
	}
	// The requested name may be a longer alias of a real tool (read_file).
	best, bestScore := "", 0
	for _, candidate := range names {
		matches := fuzzy.Find(candidate, []string{lower})
		if len(matches) == 0 {
			continue
		}
		if best == "" || matches[0].Score > bestScore {
			best, bestScore = candidate, matches[0].Score
		}
	}
	return best
}

// ApplyLimits cuts content to the line and byte ceilings, appending a
// notice when anything was removed.
func ApplyLimits(content string, limits OutputLimits) (string, bool) {
	totalLines := strings.Count(content, "\n") + 1
	totalBytes := len(content)
	truncated := false

	if limits.MaxLines > 0 && totalLines > limits.MaxLines {
		idx := 0
		for i := 0; i < limits.MaxLines; i++ {
			next := strings.IndexByte(content[idx:], '\n')
			if next < 0 {
				break
			}
			idx += next + 1
		}
		content = strings.TrimSuffix(content[:idx], "\n")
		truncated = true
	}

	if limits.MaxBytes > 0 && len(content) > limits.MaxBytes {
		cut := limits.MaxBytes
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
		truncated = true
	}

	if truncated {
		content += fmt.Sprintf("\n\n[Output truncated: %d lines, %d bytes total]", totalLines, totalBytes)
	}
	return content, truncated
}
