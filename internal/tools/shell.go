package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samsaffron/tau/internal/llm"
)

// shellOutputSlack is kept past maxBytes so the executor's limit notice
// still sees an over-long stream.
const shellOutputSlack = 16 * 1024

// BashTool implements the bash tool.
type BashTool struct {
	policy     *PathPolicy
	maxTimeout time.Duration
	maxBytes   int // per stream; 0 keeps everything
}

// NewBashTool creates a new BashTool. Each output stream is capped at
// maxBytes plus a small slack while the command runs.
func NewBashTool(policy *PathPolicy, maxTimeout time.Duration, maxBytes int) *BashTool {
	return &BashTool{
		policy:     policy,
		maxTimeout: maxTimeout,
		maxBytes:   maxBytes,
	}
}

// BashArgs are the arguments for bash.
type BashArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// ShellResult holds the result of a shell command.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (t *BashTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        BashToolName,
		Description: "Execute a shell command in the working directory. Returns stdout, stderr and the exit code. The command runs in its own process group and is killed when the timeout expires.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": fmt.Sprintf("Timeout in seconds (default: 30, max: %d)", int(t.maxTimeout.Seconds())),
					"minimum":     1,
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
	}
}

func (t *BashTool) Preview(args json.RawMessage) string {
	var a BashArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Command == "" {
		return ""
	}
	return truncateCommand(a.Command)
}

// Timeout returns the requested timeout capped at the configured maximum.
func (t *BashTool) Timeout(args json.RawMessage) time.Duration {
	var a BashArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Timeout <= 0 {
		return 0
	}
	d := time.Duration(a.Timeout) * time.Second
	if t.maxTimeout > 0 && d > t.maxTimeout {
		d = t.maxTimeout
	}
	return d
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a BashArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if strings.TrimSpace(a.Command) == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "command is required")
	}

	workDir, err := t.policy.WorkDir()
	if err != nil {
		return llm.ToolOutput{}, err
	}

	cmd := exec.CommandContext(ctx, detectShell(), "-c", a.Command)
	cmd.Dir = workDir
	configureProcessGroup(cmd)

	stdout := newLimitedBuffer(t.maxBytes)
	stderr := newLimitedBuffer(t.maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	result := ShellResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	truncated := stdout.dropped > 0 || stderr.dropped > 0

	// The process group has been killed and reaped by the time Run returns.
	if ctx.Err() != nil {
		return llm.ToolOutput{Content: formatShellResult(result), Truncated: truncated}, fmt.Errorf("command interrupted: %w", ctx.Err())
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "command error: %v", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
		return llm.ToolOutput{}, NewToolError(ErrExecutionFailed, formatShellResult(result))
	}

	return llm.ToolOutput{Content: formatShellResult(result), Truncated: truncated}, nil
}

// limitedBuffer keeps the first limit bytes written and counts the rest.
// Writes never fail, so the command is not killed by a short write.
type limitedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newLimitedBuffer(maxBytes int) *limitedBuffer {
	b := &limitedBuffer{}
	if maxBytes > 0 {
		b.limit = maxBytes + shellOutputSlack
	}
	return b
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := max(b.limit-b.buf.Len(), 0)
	if len(p) <= room {
		return b.buf.Write(p)
	}
	b.buf.Write(p[:room])
	b.dropped += len(p) - room
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[%d more bytes discarded]", b.buf.String(), b.dropped)
}

// formatShellResult formats the shell result for the LLM.
func formatShellResult(result ShellResult) string {
	var sb strings.Builder

	if result.Stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}

	if result.Stderr != "" {
		if result.Stdout != "" {
			sb.WriteString("\n")
		}
		sb.WriteString("stderr:\n")
		sb.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			sb.WriteString("\n")
		}
	}

	sb.WriteString(fmt.Sprintf("\nexit_code: %d", result.ExitCode))
	return strings.TrimPrefix(sb.String(), "\n")
}

// detectShell returns the user's shell, falling back to bash then sh.
func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	return "/bin/sh"
}

// truncateCommand truncates a command for previews.
func truncateCommand(cmd string) string {
	if len(cmd) > 50 {
		return cmd[:47] + "..."
	}
	return cmd
}
