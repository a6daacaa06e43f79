package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samsaffron/tau/internal/llm"
)

// WriteTool implements the write tool.
type WriteTool struct {
	policy *PathPolicy
}

// NewWriteTool creates a new WriteTool.
func NewWriteTool(policy *PathPolicy) *WriteTool {
	return &WriteTool{policy: policy}
}

// WriteArgs are the arguments for write.
type WriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WriteToolName,
		Description: "Create or overwrite a file with the specified content. Creates parent directories if needed.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required":             []string{"path", "content"},
			"additionalProperties": false,
		},
	}
}

func (t *WriteTool) Preview(args json.RawMessage) string {
	var a WriteArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Path == "" {
		return ""
	}
	return a.Path
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a WriteArgs
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

	existing, err := os.ReadFile(absPath)
	isNew := os.IsNotExist(err)
	if err != nil && !isNew {
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "cannot read existing file: %v", err)
	}

	if err := writeFileAtomic(absPath, []byte(a.Content)); err != nil {
		return llm.ToolOutput{}, err
	}

	if isNew {
		return llm.TextOutput(fmt.Sprintf("Created new file: %s (%d lines).", absPath, countLines(a.Content))), nil
	}
	return llm.TextOutput(fmt.Sprintf("Updated %s: %d lines -> %d lines.", absPath, countLines(string(existing)), countLines(a.Content))), nil
}

// writeFileAtomic writes data to a uniquely named temp file in the target
// directory and renames it into place, preserving an existing file's mode.
func writeFileAtomic(absPath string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(absPath); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewToolErrorf(ErrExecutionFailed, "failed to create directory: %v", err)
	}

	tf, err := os.CreateTemp(dir, "."+filepath.Base(absPath)+".*.tmp")
	if err != nil {
		return NewToolErrorf(ErrExecutionFailed, "failed to create temp file: %v", err)
	}
	tempPath := tf.Name()

	if _, err := tf.Write(data); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return NewToolErrorf(ErrExecutionFailed, "failed to write temp file: %v", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return NewToolErrorf(ErrExecutionFailed, "failed to sync temp file: %v", err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tempPath)
		return NewToolErrorf(ErrExecutionFailed, "failed to close temp file: %v", err)
	}

	// CreateTemp uses 0600.
	if err := os.Chmod(tempPath, mode); err != nil {
		os.Remove(tempPath)
		return NewToolErrorf(ErrExecutionFailed, "failed to set file permissions: %v", err)
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		os.Remove(tempPath)
		return NewToolErrorf(ErrExecutionFailed, "failed to rename temp file: %v", err)
	}
	return nil
}

// countLines counts the number of lines in a string.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		count++
	}
	return count
}
