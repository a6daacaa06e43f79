package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	diff "github.com/shogoki/gotextdiff"

	"github.com/samsaffron/tau/internal/llm"
)

// maxDiffSize bounds the file size for which a diff is rendered.
const maxDiffSize = 256 * 1024

// EditTool implements the edit tool: an exact, unique text replacement.
type EditTool struct {
	policy *PathPolicy
}

// NewEditTool creates a new EditTool.
func NewEditTool(policy *PathPolicy) *EditTool {
	return &EditTool{policy: policy}
}

// EditArgs are the arguments for edit.
type EditArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (t *EditTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        EditToolName,
		Description: "Replace an exact snippet of text in a file. old_text must appear exactly once, including whitespace; include surrounding lines to make it unique.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"old_text": map[string]interface{}{
					"type":        "string",
					"description": "Exact text to find",
				},
				"new_text": map[string]interface{}{
					"type":        "string",
					"description": "Text to replace it with",
				},
			},
			"required":             []string{"path", "old_text", "new_text"},
			"additionalProperties": false,
		},
	}
}

func (t *EditTool) Preview(args json.RawMessage) string {
	var a EditArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Path == "" {
		return ""
	}
	return a.Path
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a EditArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Path == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "path is required")
	}
	if a.OldText == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "old_text must not be empty")
	}

	absPath, err := t.policy.Resolve(a.Path)
	if err != nil {
		return llm.ToolOutput{}, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ToolOutput{}, NewToolErrorf(ErrFileNotFound, "file not found: %s", a.Path)
		}
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "read error: %v", err)
	}
	content := string(data)

	switch n := strings.Count(content, a.OldText); {
	case n == 0:
		return llm.ToolOutput{}, NewToolErrorf(ErrNoMatch, "Could not find the exact text in %s. The old text must match exactly including all whitespace and newlines.", a.Path)
	case n > 1:
		return llm.ToolOutput{}, NewToolErrorf(ErrAmbiguousMatch, "Found %d occurrences of the text in %s. The text must be unique. Please provide more context to make it unique.", n, a.Path)
	}

	updated := strings.Replace(content, a.OldText, a.NewText, 1)
	if updated == content {
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "No changes made to %s. The replacement produced identical content.", a.Path)
	}

	if err := writeFileAtomic(absPath, []byte(updated)); err != nil {
		return llm.ToolOutput{}, err
	}

	out := fmt.Sprintf("Successfully replaced text in %s.", a.Path)
	if d := GenerateDiff(content, updated, a.Path); d != "" {
		out += "\n\n" + d
	}
	return llm.TextOutput(out), nil
}

// GenerateDiff renders a unified diff between two versions of a file.
func GenerateDiff(oldContent, newContent, filePath string) string {
	if oldContent == newContent || len(oldContent) > maxDiffSize || len(newContent) > maxDiffSize {
		return ""
	}
	return strings.TrimSuffix(string(diff.Diff(filePath, []byte(oldContent), filePath, []byte(newContent))), "\n")
}
