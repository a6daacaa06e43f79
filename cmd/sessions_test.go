package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/session"
)

func TestPrintSessionList(t *testing.T) {
	var buf bytes.Buffer
	printSessionList(&buf, nil)
	if got := buf.String(); got != "No sessions found.\n" {
		t.Errorf("empty list = %q", got)
	}

	buf.Reset()
	printSessionList(&buf, []session.SessionSummary{{
		Number:       3,
		Summary:      "add retries to the http client wrapper",
		Provider:     "openai",
		MessageCount: 6,
		InputTokens:  12500,
		OutputTokens: 800,
		Status:       session.StatusComplete,
		UpdatedAt:    time.Now(),
	}})
	out := buf.String()
	for _, want := range []string{"add retries to the http cli...", "openai", "12.5k/800", "complete", "just now"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}
}

func TestFormatSessionCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1k"},
		{1500, "1.5k"},
		{2000000, "2M"},
		{3400000, "3.4M"},
	}
	for _, tt := range tests {
		if got := formatSessionCount(tt.n); got != tt.want {
			t.Errorf("formatSessionCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
	if got := formatSessionTokens(0, 0); got != "-" {
		t.Errorf("formatSessionTokens(0, 0) = %q", got)
	}
}

func TestDescribeMessage(t *testing.T) {
	call := session.Message{
		Role: llm.RoleAssistant,
		Parts: []llm.Part{
			{Type: llm.PartText, Text: "Let me look.\n\nReading now."},
			{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: "read", Arguments: json.RawMessage(`{"path":"go.mod"}`)}},
		},
	}
	got := describeMessage(call)
	want := []string{`● Let me look. Reading now.`, `  → read {"path":"go.mod"}`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("describeMessage(call) = %q, want %q", got, want)
	}

	tool := llm.ToolResultMessage(llm.ToolResult{
		ID: "c1", Name: "read", Content: "open go.mod: no such file", IsError: true,
	})
	result := session.Message{Role: tool.Role, Parts: tool.Parts}
	got = describeMessage(result)
	if len(got) != 1 || got[0] != "  ✗ read: open go.mod: no such file" {
		t.Errorf("describeMessage(result) = %q", got)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"short":             "****",
		"sk-ant-abcdef1234": "****1234",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReadLines(t *testing.T) {
	var got []string
	for line := range readLines(strings.NewReader("one\ntwo\n\nthree")) {
		got = append(got, line)
	}
	if strings.Join(got, ",") != "one,two,,three" {
		t.Errorf("lines = %q", got)
	}
}

func TestParseProviderModel(t *testing.T) {
	p, m, err := parseProviderModel(" openai : gpt-5.2 ")
	if err != nil || p != "openai" || m != "gpt-5.2" {
		t.Errorf("got %q %q %v", p, m, err)
	}
	if _, _, err := parseProviderModel(""); err == nil {
		t.Error("expected error for empty provider")
	}
}
