package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeContextFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// contextRepo lays out a repository with instruction files at several
// levels and returns the global dir, the repo root and the nested work dir.
func contextRepo(t *testing.T) (global, root, work string) {
	t.Helper()
	global = t.TempDir()
	root = t.TempDir()
	work = filepath.Join(root, "svc", "api", "handlers")
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	writeContextFile(t, filepath.Join(global, "AGENTS.md"), "global rules\n")
	writeContextFile(t, filepath.Join(root, "AGENTS.md"), "repo rules")
	writeContextFile(t, filepath.Join(root, "svc", "CLAUDE.md"), "svc rules")
	writeContextFile(t, filepath.Join(root, "svc", "api", "AGENTS.md"), "  \n")
	writeContextFile(t, filepath.Join(work, "AGENTS.md"), "handler rules")
	writeContextFile(t, filepath.Join(work, "CLAUDE.md"), "ignored")
	return global, root, work
}

func TestContextFiles(t *testing.T) {
	global, root, work := contextRepo(t)

	got := ContextFiles(global, work)
	want := []string{
		filepath.Join(global, "AGENTS.md"),
		filepath.Join(root, "AGENTS.md"),
		filepath.Join(root, "svc", "CLAUDE.md"),
		filepath.Join(root, "svc", "api", "AGENTS.md"),
		filepath.Join(work, "AGENTS.md"),
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("ContextFiles =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestLoadContext(t *testing.T) {
	global, root, work := contextRepo(t)

	tests := []struct {
		name    string
		global  string
		workDir string
		want    string
	}{
		{
			name:    "all levels in order",
			global:  global,
			workDir: work,
			want:    "global rules\n\n---\n\nrepo rules\n\n---\n\nsvc rules\n\n---\n\nhandler rules",
		},
		{
			name:    "repo root only",
			workDir: root,
			want:    "repo rules",
		},
		{
			name:    "empty file skipped",
			workDir: filepath.Join(root, "svc", "api"),
			want:    "repo rules\n\n---\n\nsvc rules",
		},
		{
			name:    "nothing to load",
			global:  t.TempDir(),
			workDir: "",
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LoadContext(tt.global, tt.workDir); got != tt.want {
				t.Errorf("LoadContext = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadContextStopsAtRepoRoot(t *testing.T) {
	outer := t.TempDir()
	writeContextFile(t, filepath.Join(outer, "AGENTS.md"), "outside the repo")
	repo := filepath.Join(outer, "repo")
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	writeContextFile(t, filepath.Join(repo, "CLAUDE.md"), "inside the repo")

	if got := LoadContext("", repo); got != "inside the repo" {
		t.Errorf("LoadContext = %q", got)
	}
}
