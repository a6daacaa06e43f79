package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samsaffron/tau/internal/llm"
)

const maxGrepLineLength = 500

// GrepTool implements the grep tool.
type GrepTool struct {
	policy *PathPolicy
	limits OutputLimits
}

// NewGrepTool creates a new GrepTool.
func NewGrepTool(policy *PathPolicy, limits OutputLimits) *GrepTool {
	return &GrepTool{
		policy: policy,
		limits: limits,
	}
}

// GrepArgs are the arguments for grep.
type GrepArgs struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path,omitempty"`
	Include    string `json:"include,omitempty"`
	IgnoreCase bool   `json:"ignore_case,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Context    int    `json:"context,omitempty"`
}

// GrepMatch represents a single grep match.
type GrepMatch struct {
	FilePath   string
	LineNumber int
	Match      string
	Context    string
}

func (t *GrepTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        GrepToolName,
		Description: "Search file contents with a regular expression (Go RE2 syntax). Skips hidden directories and binary files.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Regular expression to search for",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File or directory to search (default: working directory)",
				},
				"include": map[string]interface{}{
					"type":        "string",
					"description": "Glob filter for file names (e.g. *.go, *.{ts,tsx})",
				},
				"ignore_case": map[string]interface{}{
					"type":        "boolean",
					"description": "Case-insensitive search",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum matches (default: %d)", t.limits.MaxMatches),
					"minimum":     1,
				},
				"context": map[string]interface{}{
					"type":        "integer",
					"description": "Lines of context around each match (default: 0)",
					"minimum":     0,
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
	}
}

func (t *GrepTool) Preview(args json.RawMessage) string {
	var a GrepArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Pattern == "" {
		return ""
	}
	preview := a.Pattern
	if a.Path != "" {
		preview += " in " + a.Path
	}
	if a.Include != "" {
		preview += " (" + a.Include + ")"
	}
	return preview
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a GrepArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Pattern == "" {
		return llm.ToolOutput{}, NewToolError(ErrInvalidParams, "pattern is required")
	}

	expr := a.Pattern
	if a.IgnoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "invalid regex pattern: %v", err)
	}
	if a.Include != "" && !doublestar.ValidatePattern(a.Include) {
		return llm.ToolOutput{}, NewToolErrorf(ErrInvalidParams, "invalid include pattern: %s", a.Include)
	}

	searchPath, err := t.policy.Resolve(a.Path)
	if err != nil {
		return llm.ToolOutput{}, err
	}

	maxResults := a.Limit
	if maxResults <= 0 {
		maxResults = t.limits.MaxMatches
	}

	files, err := t.collectFiles(ctx, searchPath, a.Include)
	if err != nil {
		if ctx.Err() != nil {
			return llm.ToolOutput{}, ctx.Err()
		}
		if os.IsNotExist(err) {
			return llm.ToolOutput{}, NewToolErrorf(ErrFileNotFound, "path not found: %s", displayPath(a.Path))
		}
		return llm.ToolOutput{}, NewToolErrorf(ErrExecutionFailed, "failed to collect files: %v", err)
	}

	sortFilesByMtime(files)

	var matches []GrepMatch
	truncated := false
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return llm.ToolOutput{}, err
		}
		if len(matches) >= maxResults {
			truncated = true
			break
		}
		fileMatches, more, err := searchFile(file, re, maxResults-len(matches), a.Context)
		if err != nil {
			continue
		}
		matches = append(matches, fileMatches...)
		truncated = truncated || more
	}

	if len(matches) == 0 {
		return llm.TextOutput("No matches found."), nil
	}
	return llm.ToolOutput{Content: formatGrepResults(matches, truncated), Truncated: truncated}, nil
}

// collectFiles collects files to search.
func (t *GrepTool) collectFiles(ctx context.Context, searchPath, include string) ([]string, error) {
	info, err := os.Stat(searchPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{searchPath}, nil
	}

	var files []string
	err = filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != searchPath && (strings.HasPrefix(d.Name(), ".") || skippedDirs[d.Name()] || t.policy.Denied(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if t.policy.Denied(path) {
			return nil
		}
		if include != "" {
			match, err := doublestar.Match(include, d.Name())
			if err != nil || !match {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// sortFilesByMtime sorts files by modification time (newest first).
func sortFilesByMtime(files []string) {
	type fileInfo struct {
		path  string
		mtime int64
	}

	infos := make([]fileInfo, 0, len(files))
	for _, f := range files {
		var mtime int64
		if info, err := os.Stat(f); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		infos = append(infos, fileInfo{path: f, mtime: mtime})
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].mtime > infos[j].mtime
	})

	for i, info := range infos {
		files[i] = info.path
	}
}

// searchFile searches a single file for matches. more reports whether
// further matches were left unreported.
func searchFile(path string, re *regexp.Regexp, maxMatches, contextLines int) (matches []GrepMatch, more bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return nil, false, err
	}
	if isBinaryContent(buf[:n]) {
		return nil, false, fmt.Errorf("binary file")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, false, err
	}

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	for lineNum, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		if len(matches) >= maxMatches {
			return matches, true, nil
		}
		matches = append(matches, GrepMatch{
			FilePath:   path,
			LineNumber: lineNum + 1,
			Match:      line,
			Context:    buildContext(lines, lineNum, contextLines),
		})
	}
	return matches, false, nil
}

// buildContext builds context lines around a match.
func buildContext(lines []string, matchIdx, contextLines int) string {
	start := max(matchIdx-contextLines, 0)
	end := min(matchIdx+contextLines+1, len(lines))

	var sb strings.Builder
	for i := start; i < end; i++ {
		prefix := "  "
		if i == matchIdx {
			prefix = "> "
		}
		line := lines[i]
		if len(line) > maxGrepLineLength {
			line = line[:maxGrepLineLength] + "..."
		}
		sb.WriteString(fmt.Sprintf("%s%d: %s\n", prefix, i+1, line))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// formatGrepResults formats grep results for the LLM.
func formatGrepResults(matches []GrepMatch, truncated bool) string {
	var sb strings.Builder

	for i, m := range matches {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		sb.WriteString(fmt.Sprintf("%s:%d\n", m.FilePath, m.LineNumber))
		sb.WriteString(m.Context)
		sb.WriteString("\n")
	}

	if truncated {
		sb.WriteString(fmt.Sprintf("\n[Results truncated at %d matches]", len(matches)))
	}

	return sb.String()
}
