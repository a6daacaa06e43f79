package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/testutil"
)

func newTestExecutor(t *testing.T, cfg ToolConfig, tools ...llm.Tool) *Executor {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewExecutor(reg, cfg)
}

var pathSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"path": map[string]interface{}{"type": "string"},
	},
	"required":             []string{"path"},
	"additionalProperties": false,
}

func TestExecutor_InvalidCalls(t *testing.T) {
	read := testutil.NewMockToolWithSchema("read", "read a file", pathSchema, func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
		return llm.TextOutput("contents"), nil
	})
	exec := newTestExecutor(t, DefaultToolConfig(), read, testutil.NewMockTool("list", "ok"))

	tests := []struct {
		name    string
		call    llm.ToolCall
		wantMsg string
	}{
		{
			name:    "unknown tool suggests a close name",
			call:    llm.ToolCall{ID: "1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
			wantMsg: `did you mean "read"?`,
		},
		{
			name:    "unknown tool lists available tools",
			call:    llm.ToolCall{ID: "2", Name: "zzz", Arguments: json.RawMessage(`{}`)},
			wantMsg: "Available tools: read, list",
		},
		{
			name:    "malformed JSON",
			call:    llm.ToolCall{ID: "3", Name: "read", Arguments: json.RawMessage(`{"path":`)},
			wantMsg: "invalid arguments for read",
		},
		{
			name:    "array instead of object",
			call:    llm.ToolCall{ID: "4", Name: "read", Arguments: json.RawMessage(`["a"]`)},
			wantMsg: "expected a JSON object",
		},
		{
			name:    "missing required property",
			call:    llm.ToolCall{ID: "5", Name: "read", Arguments: json.RawMessage(`{}`)},
			wantMsg: "invalid arguments for read",
		},
		{
			name:    "wrong property type",
			call:    llm.ToolCall{ID: "6", Name: "read", Arguments: json.RawMessage(`{"path":42}`)},
			wantMsg: "invalid arguments for read",
		},
		{
			name:    "unexpected property",
			call:    llm.ToolCall{ID: "7", Name: "read", Arguments: json.RawMessage(`{"path":"a","extra":true}`)},
			wantMsg: "invalid arguments for read",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := exec.Execute(context.Background(), tt.call)
			if !result.IsError || result.ErrKind != llm.ToolErrInvalidCall {
				t.Fatalf("result = %+v, want invalid_call", result)
			}
			if result.ID != tt.call.ID || result.Name != tt.call.Name {
				t.Errorf("result id/name = %q/%q", result.ID, result.Name)
			}
			if !strings.Contains(result.Content, tt.wantMsg) {
				t.Errorf("content %q does not contain %q", result.Content, tt.wantMsg)
			}
		})
	}

	if read.InvocationCount() != 0 {
		t.Errorf("invalid calls must never execute, got %d invocations", read.InvocationCount())
	}
}

func TestExecutor_EmptyArgumentsAreAnEmptyObject(t *testing.T) {
	list := testutil.NewMockTool("list", "a.txt")
	exec := newTestExecutor(t, DefaultToolConfig(), list)

	result := exec.Execute(context.Background(), llm.ToolCall{ID: "1", Name: "list"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if string(list.LastArgs()) != "{}" {
		t.Errorf("args = %s, want {}", list.LastArgs())
	}
}

func TestExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error)
		wantKind llm.ToolErrorKind // empty = success
		wantMsg  string
	}{
		{
			name: "success",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				return llm.TextOutput("done"), nil
			},
			wantMsg: "done",
		},
		{
			name: "tool error",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				return llm.ToolOutput{}, NewToolError(ErrFileNotFound, "file not found: x")
			},
			wantKind: llm.ToolErrExecutionFailure,
			wantMsg:  "file not found: x",
		},
		{
			name: "plain error",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				return llm.ToolOutput{}, errors.New("disk on fire")
			},
			wantKind: llm.ToolErrExecutionFailure,
			wantMsg:  "disk on fire",
		},
		{
			name: "tool-side parameter error",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "offset beyond end")
			},
			wantKind: llm.ToolErrInvalidCall,
			wantMsg:  "offset beyond end",
		},
		{
			name: "panic",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				panic("boom")
			},
			wantKind: llm.ToolErrExecutionFailure,
			wantMsg:  "panicked: boom",
		},
		{
			name: "deadline",
			fn: func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
				<-ctx.Done()
				return llm.ToolOutput{}, ctx.Err()
			},
			wantKind: llm.ToolErrTimeout,
			wantMsg:  "slow timed out after 50ms",
		},
	}

	cfg := DefaultToolConfig()
	cfg.Timeout = 50 * time.Millisecond

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExecutor(t, cfg, testutil.NewMockToolWithSchema("slow", "", nil, tt.fn))
			result := exec.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "slow", Arguments: json.RawMessage(`{}`)})

			if tt.wantKind == "" {
				if result.IsError {
					t.Fatalf("unexpected error result: %+v", result)
				}
			} else if !result.IsError || result.ErrKind != tt.wantKind {
				t.Fatalf("result = %+v, want %s", result, tt.wantKind)
			}
			if !strings.Contains(result.Content, tt.wantMsg) {
				t.Errorf("content %q does not contain %q", result.Content, tt.wantMsg)
			}
			if result.Duration <= 0 {
				t.Errorf("duration not recorded")
			}
		})
	}
}

func TestExecutor_CancelledParent(t *testing.T) {
	started := make(chan struct{})
	blocking := testutil.NewMockToolWithSchema("wait", "", nil, func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
		close(started)
		<-ctx.Done()
		return llm.ToolOutput{}, ctx.Err()
	})
	exec := newTestExecutor(t, DefaultToolConfig(), blocking)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan llm.ToolResult, 1)
	go func() {
		done <- exec.Execute(ctx, llm.ToolCall{ID: "c1", Name: "wait"})
	}()
	<-started
	cancel()

	select {
	case result := <-done:
		if result.ErrKind != llm.ToolErrCancelled {
			t.Fatalf("result = %+v, want cancelled", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecutor_TruncatesLargeOutput(t *testing.T) {
	lines := make([]string, 3000)
	for i := range lines {
		lines[i] = "line"
	}
	big := testutil.NewMockTool("big", strings.Join(lines, "\n"))
	exec := newTestExecutor(t, DefaultToolConfig(), big)

	result := exec.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "big"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if !result.Truncated {
		t.Error("expected truncated=true")
	}
	if got := strings.Count(result.Content, "line\n"); got != 2000 {
		t.Errorf("kept %d lines, want 2000", got)
	}
	if !strings.Contains(result.Content, "[Output truncated: 3000 lines") {
		t.Errorf("missing truncation notice")
	}
}

func TestApplyLimits(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		limits        OutputLimits
		wantPrefix    string
		wantTruncated bool
	}{
		{"under limits", "a\nb", OutputLimits{MaxLines: 5, MaxBytes: 100}, "a\nb", false},
		{"line ceiling", "a\nb\nc\nd", OutputLimits{MaxLines: 2, MaxBytes: 100}, "a\nb\n\n[Output truncated: 4 lines, 7 bytes total]", true},
		{"byte ceiling", strings.Repeat("x", 20), OutputLimits{MaxLines: 5, MaxBytes: 8}, "xxxxxxxx\n\n[Output truncated", true},
		{"multibyte boundary", "ééééé", OutputLimits{MaxLines: 5, MaxBytes: 3}, "é\n\n[Output truncated", true},
		{"exact line count", "a\nb", OutputLimits{MaxLines: 2, MaxBytes: 100}, "a\nb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := ApplyLimits(tt.content, tt.limits)
			if truncated != tt.wantTruncated {
				t.Errorf("truncated = %v, want %v", truncated, tt.wantTruncated)
			}
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("got %q, want prefix %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestExecutor_ConcurrentCallsShareNoState(t *testing.T) {
	echo := testutil.NewMockToolWithSchema("echo", "", pathSchema, func(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
		var a struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(args, &a)
		return llm.TextOutput(a.Path), nil
	})
	exec := newTestExecutor(t, DefaultToolConfig(), echo)

	results := make(chan llm.ToolResult, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			args, _ := json.Marshal(map[string]string{"path": strings.Repeat("p", i+1)})
			results <- exec.Execute(context.Background(), llm.ToolCall{ID: strings.Repeat("p", i+1), Name: "echo", Arguments: args})
		}(i)
	}
	for i := 0; i < 20; i++ {
		r := <-results
		if r.IsError || r.Content != r.ID {
			t.Errorf("result %+v mixed up", r)
		}
	}
	if echo.InvocationCount() != 20 {
		t.Errorf("invocations = %d, want 20", echo.InvocationCount())
	}
}

func TestClosestName(t *testing.T) {
	names := AllToolNames()
	tests := []struct {
		in   string
		want string
	}{
		{"read_file", "read"},
		{"write_file", "write"},
		{"grp", "grep"},
		{"Glob", "glob"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := closestName(tt.in, names); got != tt.want {
			t.Errorf("closestName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
