package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samsaffron/tau/internal/llm"
)

// skippedDirs are never descended into by a recursive listing.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
}

// ListTool implements the list tool.
type ListTool struct {
	policy *PathPolicy
	limits OutputLimits
}

// NewListTool creates a new ListTool.
func NewListTool(policy *PathPolicy, limits OutputLimits) *ListTool {
	return &ListTool{
		policy: policy,
		limits: limits,
	}
}

// ListArgs are the arguments for list.
type ListArgs struct {
	Path       string `json:"path,omitempty"`
	Recursive  bool   `json:"recursive,omitempty"`
	ShowHidden bool   `json:"show_hidden,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type listEntry struct {
	rel   string
	isDir bool
	size  int64
}

func (t *ListTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ListToolName,
		Description: "List directory contents with file sizes, sorted by name. Directories have a trailing slash.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory to list (default: working directory)",
				},
				"recursive": map[string]interface{}{
					"type":        "boolean",
					"description": "List subdirectories recursively",
				},
				"show_hidden": map[string]interface{}{
					"type":        "boolean",
					"description": "Include entries starting with a dot",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum entries to return (default: %d)", t.limits.MaxResults),
					"minimum":     1,
				},
			},
			"additionalProperties": false,
		},
	}
}

func (t *ListTool) Preview(args json.RawMessage) string {
	var a ListArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Path == "" {
		return "."
	}
	return a.Path
}

func (t *ListTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a ListArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
		}
	}

	root, err := t.policy.Resolve(a.Path)
	if err != nil {
		return llm.ToolOutput{}, err
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ToolOutput{}, NewToolErrorf(ErrFileNotFound, "directory not found: %s", displayPath(a.Path))
		}
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "stat error: %v", err)
	}
	if !info.IsDir() {
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "%s is not a directory", displayPath(a.Path))
	}

	limit := a.Limit
	if limit <= 0 {
		limit = t.limits.MaxResults
	}

	var entries []listEntry
	hitLimit := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || path == root {
			return nil
		}
		name := d.Name()
		if !a.ShowHidden && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if t.policy.Denied(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= limit {
			hitLimit = true
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		entry := listEntry{rel: filepath.ToSlash(rel), isDir: d.IsDir()}
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			entry.size = fi.Size()
		}
		entries = append(entries, entry)

		if d.IsDir() && (!a.Recursive || skippedDirs[name]) {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return llm.ToolOutput{}, err
	}

	if len(entries) == 0 {
		return llm.TextOutput("(empty directory)"), nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var sb strings.Builder
	for _, e := range entries {
		if e.isDir {
			sb.WriteString(e.rel + "/\n")
			continue
		}
		sb.WriteString(fmt.Sprintf("%s\t%s\n", e.rel, strings.TrimSpace(formatSize(e.size))))
	}
	if hitLimit {
		sb.WriteString(fmt.Sprintf("\n(showing first %d entries)", limit))
	}
	return llm.ToolOutput{Content: strings.TrimSuffix(sb.String(), "\n"), Truncated: hitLimit}, nil
}

func displayPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}
