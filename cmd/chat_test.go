package cmd

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/session"
	"github.com/samsaffron/tau/internal/ui"
)

func TestFindChatCommand(t *testing.T) {
	tests := []struct {
		line   string
		want   string
		wantOK bool
	}{
		{"/help", "help", true},
		{"/?", "help", true},
		{"/C", "clear", true},
		{"/session now", "session", true},
		{"/exit", "quit", true},
		{"/q", "quit", true},
		{"help", "", false},
		{"/etc/hosts", "", false},
		{"/unknown", "", false},
	}
	for _, tt := range tests {
		got, ok := findChatCommand(tt.line)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("findChatCommand(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLooksLikeCommand(t *testing.T) {
	tests := map[string]bool{
		"/bogus":              true,
		"/":                   false,
		"/etc/hosts":          false,
		"/tmp is full, help":  false,
		"what does /help do?": false,
	}
	for line, want := range tests {
		if got := looksLikeCommand(line); got != want {
			t.Errorf("looksLikeCommand(%q) = %v, want %v", line, got, want)
		}
	}
}

func runChatLines(t *testing.T, runner *sessionRunner, out *bytes.Buffer, input ...string) {
	t.Helper()
	lines := make(chan string, len(input))
	for _, line := range input {
		lines <- line
	}
	close(lines)

	c := &chat{runner: runner, out: out, styles: ui.NewStyles(out)}
	done := make(chan error, 1)
	go func() { done <- c.loop(context.Background(), lines, make(chan os.Signal)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("chat loop did not finish")
	}
}

func TestChatCommands(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	setupCmdTest(t, mock)
	mock.AddTextResponse("first reply")
	mock.AddTextResponse("second reply")

	var out bytes.Buffer
	ctx := context.Background()
	runner, err := newSessionRunner(ctx, runnerOptions{mode: session.ModeChat, out: &out})
	if err != nil {
		t.Fatalf("newSessionRunner: %v", err)
	}
	defer runner.close()

	runChatLines(t, runner, &out,
		"hello",
		"/session",
		"/clear",
		"/help",
		"/bogus",
		"again",
		"/s",
		"/q",
		"never sent",
	)

	text := out.String()
	for _, want := range []string{
		"Session:  #1 (" + runner.sess.ID + ")",
		"Messages: 2",
		"Tokens:   10 in",
		"Conversation cleared.",
		"/clear, /c",
		"/quit, /exit, /q",
		"Unknown command /bogus",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	if mock.RequestCount() != 2 {
		t.Fatalf("requests = %d, want 2", mock.RequestCount())
	}
	second := mock.Request(1)
	if len(second.Messages) != 1 || second.Messages[0].Text() != "again" {
		t.Errorf("request after /clear = %+v", second.Messages)
	}

	conv, err := runner.store.LoadConversation(ctx, runner.sess.ID)
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Text() != "again" {
		t.Errorf("stored conversation = %+v", conv.Messages)
	}
}
