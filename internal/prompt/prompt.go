package prompt

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// AgentSystemPrompt returns the system prompt for the coding agent.
// projectContext holds the loaded instruction files and instructions come
// from configuration; both are appended when non-empty. workDir defaults to
// the process working directory.
func AgentSystemPrompt(instructions, projectContext, workDir string, toolNames []string) string {
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	base := fmt.Sprintf(`You are a coding agent working in the user's project. Use the available tools to inspect and change files and to run commands, then answer concisely.

Context:
- Operating System: %s
- Architecture: %s
- Current Directory: %s
- Date: %s`, runtime.GOOS, runtime.GOARCH, workDir, time.Now().Format("2006-01-02"))

	if len(toolNames) > 0 {
		base += fmt.Sprintf("\n- Tools: %s", strings.Join(toolNames, ", "))
	}

	base += `

Rules:
1. Read a file before editing it
2. Make minimal, focused changes and preserve the existing code style
3. Prefer the dedicated file tools over shell commands for reading and searching
4. Relative paths resolve against the current directory
5. When a tool fails, read the error and adjust instead of repeating the same call`

	if projectContext = strings.TrimSpace(projectContext); projectContext != "" {
		base += "\n\nProject Context:\n" + projectContext
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		base += "\n\nUser Context:\n" + instructions
	}
	return base
}
