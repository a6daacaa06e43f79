package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// PathPolicy resolves tool paths against a working directory and rejects
// paths matching a deny pattern.
type PathPolicy struct {
	workDir  string
	patterns []string
	deny     []glob.Glob
}

// NewPathPolicy compiles deny patterns. A pattern without a slash matches
// the base name at any depth.
func NewPathPolicy(workDir string, denyPatterns []string) (*PathPolicy, error) {
	p := &PathPolicy{workDir: workDir}
	for _, pattern := range denyPatterns {
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, pattern)
		p.deny = append(p.deny, g)
	}
	return p, nil
}

// WorkDir returns the directory relative paths are resolved against.
func (p *PathPolicy) WorkDir() (string, error) {
	if p != nil && p.workDir != "" {
		return p.workDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err)
	}
	return wd, nil
}

// Resolve returns the absolute, cleaned form of path, or a
// PERMISSION_DENIED ToolError when the path is denied.
func (p *PathPolicy) Resolve(path string) (string, error) {
	if path == "" {
		return p.WorkDir()
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		wd, err := p.WorkDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(wd, path)
	}
	abs := filepath.Clean(path)
	if p.Denied(abs) {
		return "", NewToolErrorf(ErrPermissionDenied, "access denied by policy: %s", abs)
	}
	return abs, nil
}

// Denied reports whether an absolute path matches a deny pattern.
func (p *PathPolicy) Denied(abs string) bool {
	if p == nil || len(p.deny) == 0 {
		return false
	}
	slashed := filepath.ToSlash(abs)
	base := filepath.Base(abs)
	for i, g := range p.deny {
		if g.Match(slashed) {
			return true
		}
		if !strings.Contains(p.patterns[i], "/") && g.Match(base) {
			return true
		}
	}
	return false
}
