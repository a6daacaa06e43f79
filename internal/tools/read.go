package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/samsaffron/tau/internal/llm"
)

// ReadTool implements the read tool.
type ReadTool struct {
	policy *PathPolicy
	limits OutputLimits
}

// NewReadTool creates a new ReadTool.
func NewReadTool(policy *PathPolicy, limits OutputLimits) *ReadTool {
	return &ReadTool{
		policy: policy,
		limits: limits,
	}
}

// ReadArgs are the arguments for read.
type ReadArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"` // 1-indexed first line
	Limit  int    `json:"limit,omitempty"`  // max lines
}

func (t *ReadTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ReadToolName,
		Description: fmt.Sprintf("Read a text file with line numbers. Output is capped at %d lines; use offset and limit to page through larger files.", t.limits.MaxLines),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file (relative to the working directory or absolute)",
				},
				"offset": map[string]interface{}{
					"type":        "integer",
					"description": "Line number to start reading from (1-indexed)",
					"minimum":     1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of lines to read",
					"minimum":     1,
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadTool) Preview(args json.RawMessage) string {
	var a ReadArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Path == "" {
		return ""
	}
	if a.Offset > 0 {
		return fmt.Sprintf("%s:%d", a.Path, a.Offset)
	}
	return a.Path
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a ReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Path == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "path is required")
	}

	absPath, err := t.policy.Resolve(a.Path)
	if err != nil {
		return llm.ToolOutput{}, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ToolOutput{}, NewToolErrorf(ErrFileNotFound, "file not found: %s", a.Path)
		}
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "stat error: %v", err)
	}
	if info.IsDir() {
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "%s is a directory; use the list tool", a.Path)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "read error: %v", err)
	}
	if isBinaryContent(data) {
		return llm.ToolOutput{}, NewToolErrorf(ErrBinaryFile, "%s appears to be a binary file", a.Path)
	}
	if len(data) == 0 {
		return llm.TextOutput("(empty file)"), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	totalLines := len(lines)

	start := 0
	if a.Offset > 0 {
		start = a.Offset - 1
	}
	if start >= totalLines {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "offset %d is beyond end of file (%d lines)", a.Offset, totalLines)
	}

	maxLines := t.limits.MaxLines
	if a.Limit > 0 && a.Limit < maxLines {
		maxLines = a.Limit
	}
	end := totalLines
	truncated := false
	if end-start > maxLines {
		end = start + maxLines
		// Only the ceiling counts as truncation; an explicit limit is a page.
		truncated = a.Limit <= 0 || a.Limit > t.limits.MaxLines
	}

	var sb strings.Builder
	for i, line := range lines[start:end] {
		if t.limits.MaxLineLength > 0 && len(line) > t.limits.MaxLineLength {
			line = line[:t.limits.MaxLineLength] + "... (line truncated)"
		}
		sb.WriteString(fmt.Sprintf("%d: %s\n", start+i+1, line))
	}
	output := strings.TrimSuffix(sb.String(), "\n")

	if end < totalLines {
		output += fmt.Sprintf("\n\n[%d more lines. Use offset=%d to continue.]", totalLines-end, end+1)
	}

	return llm.ToolOutput{Content: output, Truncated: truncated}, nil
}

// isBinaryContent detects if content is binary using http.DetectContentType.
func isBinaryContent(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}

	contentType := http.DetectContentType(sample)
	if strings.HasPrefix(contentType, "text/") {
		return false
	}
	if strings.Contains(contentType, "json") || strings.Contains(contentType, "xml") {
		return false
	}

	for _, b := range sample {
		if b == 0 {
			return true
		}
	}
	return false
}
