package prompt

import (
	"runtime"
	"strings"
	"testing"
)

func TestAgentSystemPrompt(t *testing.T) {
	t.Run("context and tools", func(t *testing.T) {
		result := AgentSystemPrompt("", "", "/work/project", []string{"read", "bash"})
		for _, want := range []string{"Current Directory: /work/project", "Tools: read, bash", "Operating System: " + runtime.GOOS} {
			if !strings.Contains(result, want) {
				t.Errorf("missing %q in:\n%s", want, result)
			}
		}
		if strings.Contains(result, "User Context") {
			t.Error("unexpected user context section")
		}
	})

	t.Run("instructions appended", func(t *testing.T) {
		result := AgentSystemPrompt("  Prefer table-driven tests.\n", "", "/work", nil)
		if !strings.HasSuffix(result, "User Context:\nPrefer table-driven tests.") {
			t.Errorf("instructions not appended:\n%s", result)
		}
		if strings.Contains(result, "Tools:") {
			t.Error("tools line without tools")
		}
	})

	t.Run("project context before instructions", func(t *testing.T) {
		result := AgentSystemPrompt("Be brief.", "Run make lint.\n", "/work", nil)
		if !strings.HasSuffix(result, "Project Context:\nRun make lint.\n\nUser Context:\nBe brief.") {
			t.Errorf("sections out of order:\n%s", result)
		}
		if strings.Contains(AgentSystemPrompt("", "  ", "/work", nil), "Project Context") {
			t.Error("blank project context rendered")
		}
	})

	t.Run("defaults to working directory", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		result := AgentSystemPrompt("", "", "", nil)
		if !strings.Contains(result, "Current Directory: ") {
			t.Errorf("missing working directory:\n%s", result)
		}
	})
}
