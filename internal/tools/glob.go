package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samsaffron/tau/internal/llm"
)

// GlobTool implements the glob tool.
type GlobTool struct {
	policy *PathPolicy
	limits OutputLimits
}

// NewGlobTool creates a new GlobTool.
func NewGlobTool(policy *PathPolicy, limits OutputLimits) *GlobTool {
	return &GlobTool{
		policy: policy,
		limits: limits,
	}
}

// GlobArgs are the arguments for glob.
type GlobArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// FileEntry represents a file found by glob.
type FileEntry struct {
	FilePath  string
	IsDir     bool
	SizeBytes int64
	ModTime   time.Time
}

func (t *GlobTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        GlobToolName,
		Description: "Find files by name pattern. Supports ** for recursive matching (e.g. **/*.go). Results are sorted by modification time, newest first.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern relative to path (e.g. **/*.go, src/*.ts)",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory to search in (default: working directory)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum results (default: %d)", t.limits.MaxResults),
					"minimum":     1,
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
	}
}

func (t *GlobTool) Preview(args json.RawMessage) string {
	var a GlobArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Pattern == "" {
		return ""
	}
	if a.Path != "" {
		return fmt.Sprintf("%s in %s", a.Pattern, a.Path)
	}
	return a.Pattern
}

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a GlobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Pattern == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "pattern is required")
	}
	if !doublestar.ValidatePattern(a.Pattern) {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "invalid glob pattern: %s", a.Pattern)
	}

	basePath, err := t.policy.Resolve(a.Path)
	if err != nil {
		return llm.ToolOutput{}, err
	}

	limit := a.Limit
	if limit <= 0 {
		limit = t.limits.MaxResults
	}

	var entries []FileEntry
	err = filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if path == basePath {
			return nil
		}

		// Hidden entries are only matched when the pattern asks for them.
		if strings.HasPrefix(d.Name(), ".") && !matchesHidden(a.Pattern) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if t.policy.Denied(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(basePath, path)
		if err != nil {
			return nil
		}
		matched, err := doublestar.Match(a.Pattern, filepath.ToSlash(relPath))
		if err != nil || !matched {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, FileEntry{
			FilePath:  path,
			IsDir:     d.IsDir(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return llm.ToolOutput{}, err
	}

	if len(entries) == 0 {
		return llm.TextOutput("No files matched the pattern."), nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	truncated := len(entries) > limit
	if truncated {
		entries = entries[:limit]
	}
	return llm.ToolOutput{Content: formatGlobResults(entries, truncated, limit), Truncated: truncated}, nil
}

func matchesHidden(pattern string) bool {
	return strings.HasPrefix(pattern, ".") || strings.Contains(pattern, "/.")
}

// formatGlobResults formats glob results for the LLM.
func formatGlobResults(entries []FileEntry, truncated bool, limit int) string {
	var sb strings.Builder

	for _, e := range entries {
		typeIndicator := "f"
		if e.IsDir {
			typeIndicator = "d"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s  %s  %s\n", typeIndicator, formatSize(e.SizeBytes), e.ModTime.Format("2006-01-02 15:04"), e.FilePath))
	}

	if truncated {
		sb.WriteString(fmt.Sprintf("\n[Results truncated at %d files]", limit))
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// formatSize formats a byte count as human-readable.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%4dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%4.0f%c", float64(bytes)/float64(div), "KMGTPE"[exp])
}
