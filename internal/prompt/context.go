package prompt

import (
	"os"
	"path/filepath"
	"strings"
)

// ContextFileNames are the project instruction files looked up in each
// directory, in order of preference.
var ContextFileNames = []string{"AGENTS.md", "CLAUDE.md"}

const contextSeparator = "\n\n---\n\n"

// ContextFiles returns the instruction files that apply to workDir: the one
// in globalDir first, then one per directory from the repository root (or
// the filesystem root outside a repository) down to workDir. Later files
// take priority.
func ContextFiles(globalDir, workDir string) []string {
	var files []string
	if globalDir != "" {
		if path := contextFileIn(globalDir); path != "" {
			files = append(files, path)
		}
	}
	if workDir == "" {
		return files
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return files
	}

	var dirs []string
	root := findRepoRoot(abs)
	for dir := abs; ; dir = filepath.Dir(dir) {
		dirs = append(dirs, dir)
		if dir == root || dir == filepath.Dir(dir) {
			break
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i] == globalDir {
			continue
		}
		if path := contextFileIn(dirs[i]); path != "" {
			files = append(files, path)
		}
	}
	return files
}

// LoadContext concatenates the non-empty instruction files that apply to
// workDir. It returns "" when there are none.
func LoadContext(globalDir, workDir string) string {
	var parts []string
	for _, path := range ContextFiles(globalDir, workDir) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if content := strings.TrimSpace(string(data)); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, contextSeparator)
}

func contextFileIn(dir string) string {
	for _, name := range ContextFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// findRepoRoot returns the nearest ancestor of dir holding a .git entry, or
// "" when there is none.
func findRepoRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
