package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samsaffron/tau/internal/llm"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestPolicy(t *testing.T, dir string, deny ...string) *PathPolicy {
	t.Helper()
	p, err := NewPathPolicy(dir, deny)
	if err != nil {
		t.Fatalf("NewPathPolicy: %v", err)
	}
	return p
}

// A model asking to "list files" sends a list call with no arguments at all.
func TestListTool_NoArgumentsListsWorkDir(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "b.txt"), "hello")
	writeTestFile(t, filepath.Join(dir, "a.go"), "package a\n")
	writeTestFile(t, filepath.Join(dir, "sub", "inner.txt"), "x")
	writeTestFile(t, filepath.Join(dir, ".secret"), "x")

	cfg := DefaultToolConfig()
	cfg.WorkDir = dir
	reg, err := NewDefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	exec := NewExecutor(reg, cfg)

	result := exec.Execute(context.Background(), llm.ToolCall{ID: "call_0", Name: ListToolName})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	want := "a.go\t10B\nb.txt\t5B\nsub/"
	if result.Content != want {
		t.Errorf("content = %q, want %q", result.Content, want)
	}
	if result.ID != "call_0" || result.Name != ListToolName {
		t.Errorf("result id/name = %q/%q", result.ID, result.Name)
	}
}

func TestListTool_Options(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.txt"), "a")
	writeTestFile(t, filepath.Join(dir, "src", "main.go"), "package main")
	writeTestFile(t, filepath.Join(dir, "node_modules", "dep", "index.js"), "x")
	writeTestFile(t, filepath.Join(dir, ".env"), "KEY=1")
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	tool := NewListTool(newTestPolicy(t, dir), DefaultOutputLimits())

	tests := []struct {
		name     string
		args     ListArgs
		contains []string
		excludes []string
	}{
		{
			name:     "top level",
			args:     ListArgs{},
			contains: []string{"a.txt\t1B", "src/", "node_modules/", "empty/"},
			excludes: []string{"main.go", ".env"},
		},
		{
			name:     "recursive skips vendored directories",
			args:     ListArgs{Recursive: true},
			contains: []string{"src/main.go", "node_modules/"},
			excludes: []string{"index.js", ".env"},
		},
		{
			name:     "show hidden",
			args:     ListArgs{ShowHidden: true},
			contains: []string{".env\t5B"},
		},
		{
			name:     "limit",
			args:     ListArgs{Limit: 2},
			contains: []string{"(showing first 2 entries)"},
		},
		{
			name:     "empty directory",
			args:     ListArgs{Path: "empty"},
			contains: []string{"(empty directory)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(tt.args)
			out, err := tool.Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out.Content, s) {
					t.Errorf("output missing %q:\n%s", s, out.Content)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(out.Content, s) {
					t.Errorf("output should not contain %q:\n%s", s, out.Content)
				}
			}
		})
	}
}

func TestListTool_Errors(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "file.txt"), "x")
	tool := NewListTool(newTestPolicy(t, dir), DefaultOutputLimits())

	tests := []struct {
		path     string
		wantType ToolErrorType
	}{
		{"missing", ErrFileNotFound},
		{"file.txt", ErrExecutionFailed},
	}
	for _, tt := range tests {
		args, _ := json.Marshal(ListArgs{Path: tt.path})
		_, err := tool.Execute(context.Background(), args)
		te, ok := AsToolError(err)
		if !ok || te.Type != tt.wantType {
			t.Errorf("list %s: err = %v, want %s", tt.path, err, tt.wantType)
		}
	}
}
