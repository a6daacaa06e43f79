package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsaffron/tau/internal/agent"
	"github.com/samsaffron/tau/internal/config"
	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/session"
	"github.com/samsaffron/tau/internal/ui"
)

// setupCmdTest isolates config, data and working directories and routes
// provider construction to mock.
func setupCmdTest(t *testing.T, mock *llm.MockProvider) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	work := t.TempDir()
	t.Chdir(work)

	prev := newProvider
	newProvider = func(*config.Config) (llm.Provider, error) { return mock, nil }
	t.Cleanup(func() { newProvider = prev })

	providerFlag, modelFlag, resumeFlag = "", "", ""
	noSession, showStats, showReasoning = false, false, false
	return work
}

func openTestStore(t *testing.T) session.Store {
	t.Helper()
	store, err := session.NewStore(session.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunPromptWithToolAndResume(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	work := setupCmdTest(t, mock)
	if err := os.WriteFile(filepath.Join(work, "notes.txt"), []byte("hello from notes\n"), 0644); err != nil {
		t.Fatal(err)
	}

	mock.AddToolCall("call_1", "read", map[string]any{"path": "notes.txt"})
	mock.AddTextResponse("It says hello.")

	var out bytes.Buffer
	code, err := runPrompt(context.Background(), &out, "what is in notes.txt?")
	if err != nil {
		t.Fatalf("runPrompt: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out.String())
	}
	for _, want := range []string{ui.ToolIcon + " read", "It says hello."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	// The tool result sent back to the model carries the file content.
	second := mock.Request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Parts[0].ToolResult.Content, "hello from notes") {
		t.Errorf("tool message = %+v", last)
	}

	store := openTestStore(t)
	summaries, err := store.List(context.Background(), session.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("sessions = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Mode != session.ModeRun || s.Status != session.StatusComplete || s.MessageCount != 4 {
		t.Errorf("session = %+v", s)
	}

	// Resuming sends the stored history with the new prompt.
	mock.AddTextResponse("Still hello.")
	resumeFlag = "last"
	out.Reset()
	code, err = runPrompt(context.Background(), &out, "and now?")
	if err != nil || code != 0 {
		t.Fatalf("resume: code=%d err=%v", code, err)
	}
	third := mock.Request(2)
	if len(third.Messages) != 5 {
		t.Fatalf("resumed request has %d messages, want 5", len(third.Messages))
	}
	if third.Messages[4].Text() != "and now?" {
		t.Errorf("last message = %q", third.Messages[4].Text())
	}
}

func TestRunPromptFailureStatus(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	setupCmdTest(t, mock)
	mock.AddError(errors.New("invalid request: unknown field"))

	var out bytes.Buffer
	code, err := runPrompt(context.Background(), &out, "hi")
	if err != nil {
		t.Fatalf("runPrompt: %v", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "turn failed (protocol)") {
		t.Errorf("output = %q", out.String())
	}

	sess, err := openTestStore(t).Resolve(context.Background(), "last")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sess.Status != session.StatusError {
		t.Errorf("status = %q, want error", sess.Status)
	}
}

func TestRunPromptNoSession(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	setupCmdTest(t, mock)
	noSession = true
	mock.AddTextResponse("ok")

	var out bytes.Buffer
	if code, err := runPrompt(context.Background(), &out, "hi"); err != nil || code != 0 {
		t.Fatalf("code=%d err=%v", code, err)
	}
	summaries, err := openTestStore(t).List(context.Background(), session.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 0 {
		t.Errorf("sessions recorded with --no-session: %d", len(summaries))
	}
}

func TestChatLoopCancelThenQuit(t *testing.T) {
	mock := llm.NewMockProvider("mock")
	setupCmdTest(t, mock)
	mock.AddTurn(llm.MockTurn{Text: "Working on it", Block: true})

	var out bytes.Buffer
	ctx := context.Background()
	runner, err := newSessionRunner(ctx, runnerOptions{mode: session.ModeChat, out: &out})
	if err != nil {
		t.Fatalf("newSessionRunner: %v", err)
	}
	defer runner.close()

	lines := make(chan string, 3)
	lines <- "   "
	lines <- "start a long task"
	lines <- "/quit"
	close(lines)

	sigs := make(chan os.Signal)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for mock.RequestCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		sigs <- os.Interrupt
	}()

	c := &chat{runner: runner, out: &out, styles: ui.NewStyles(&out)}
	done := make(chan error, 1)
	go func() { done <- c.loop(ctx, lines, sigs) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("chat loop did not finish")
	}

	if !strings.Contains(out.String(), "(cancelled)") {
		t.Errorf("output missing cancellation:\n%s", out.String())
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}

	sess, err := runner.store.Get(ctx, runner.sess.ID)
	if err != nil || sess == nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != session.StatusInterrupted {
		t.Errorf("status = %q, want interrupted", sess.Status)
	}
	msgs := runner.agent.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].Text() != "start a long task" {
		t.Errorf("conversation = %+v", msgs)
	}
}

// slowTools runs a single tool that ignores cancellation for hold.
type slowTools struct {
	started  chan struct{}
	hold     time.Duration
	finished atomic.Bool
}

func (s *slowTools) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "slow", Description: "finishes regardless of cancellation", Schema: map[string]interface{}{"type": "object"}}}
}

func (s *slowTools) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	close(s.started)
	time.Sleep(s.hold)
	s.finished.Store(true)
	return llm.ToolResult{ID: call.ID, Name: call.Name, Content: "done"}
}

func TestTurnForceQuit(t *testing.T) {
	tests := []struct {
		name          string
		hold          time.Duration
		grace         time.Duration
		wantAbandoned bool
	}{
		{name: "waits for the cancelled turn", hold: 300 * time.Millisecond, grace: 5 * time.Second},
		{name: "gives up after the grace period", hold: 800 * time.Millisecond, grace: 50 * time.Millisecond, wantAbandoned: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockProvider("mock")
			setupCmdTest(t, mock)
			mock.AddToolCall("c1", "slow", map[string]any{})

			prevGrace := forceQuitGrace
			forceQuitGrace = tt.grace
			t.Cleanup(func() { forceQuitGrace = prevGrace })

			ctx := context.Background()
			store, err := session.NewStore(session.DefaultConfig())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			sess := &session.Session{Provider: "mock", Model: "mock", Mode: session.ModeChat}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			tools := &slowTools{started: make(chan struct{}), hold: tt.hold}
			cfg := agent.DefaultConfig()
			cfg.Store = session.NewRecorder(store, sess.ID)
			var out bytes.Buffer
			runner := &sessionRunner{
				agent:    agent.NewAgent(mock, tools, cfg),
				store:    store,
				sess:     sess,
				renderer: ui.NewRenderer(&out, false),
				stats:    ui.NewSessionStats(),
				out:      &out,
			}

			sigs := make(chan os.Signal)
			go func() {
				<-tools.started
				sigs <- os.Interrupt
				sigs <- os.Interrupt
			}()

			done := make(chan error, 1)
			go func() { done <- runner.turn(ctx, "run the slow tool", sigs) }()
			select {
			case err := <-done:
				if !errors.Is(err, errForceQuit) {
					t.Fatalf("turn = %v, want errForceQuit", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("turn did not return after two interrupts")
			}

			if runner.abandoned != tt.wantAbandoned {
				t.Errorf("abandoned = %v, want %v", runner.abandoned, tt.wantAbandoned)
			}
			if tt.wantAbandoned {
				if tools.finished.Load() {
					t.Error("tool finished before the grace period ran out")
				}
				// Let the abandoned turn finish before the store goes away.
				for ev := range runner.agent.Events() {
					if ev.Terminal() {
						break
					}
				}
				runner.agent.Wait()
				runner.close()
				store.Close()
				return
			}

			if !tools.finished.Load() {
				t.Error("turn returned before the cancelled tool finished")
			}
			if st := runner.agent.State(); st.Running() {
				t.Errorf("state = %s after force quit", st)
			}
			runner.close()

			reopened := openTestStore(t)
			got, err := reopened.Get(ctx, sess.ID)
			if err != nil || got == nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != session.StatusInterrupted {
				t.Errorf("status = %q, want interrupted", got.Status)
			}
			conv, err := reopened.LoadConversation(ctx, sess.ID)
			if err != nil {
				t.Fatalf("LoadConversation: %v", err)
			}
			if n := len(conv.Messages); n < 3 || conv.Messages[n-1].Role != llm.RoleTool {
				t.Errorf("stored conversation = %+v", conv.Messages)
			}
		})
	}
}

func TestApplyProviderOverrides(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		model     string
		wantProv  string
		wantModel string
		wantErr   bool
	}{
		{name: "none", wantProv: "anthropic", wantModel: "claude-sonnet-4-5"},
		{name: "provider only", provider: "openai", wantProv: "openai", wantModel: "gpt-5.2"},
		{name: "provider:model", provider: "gemini:gemini-2.5-pro", wantProv: "gemini", wantModel: "gemini-2.5-pro"},
		{name: "model flag wins", provider: "openai:gpt-4o", model: "gpt-4.1", wantProv: "openai", wantModel: "gpt-4.1"},
		{name: "model only", model: "claude-opus-4-1", wantProv: "anthropic", wantModel: "claude-opus-4-1"},
		{name: "unknown provider", provider: "bedrock", wantErr: true},
		{name: "empty provider", provider: ":gpt-4o", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			err := applyProviderOverrides(cfg, tt.provider, tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider != tt.wantProv || cfg.ActiveModel() != tt.wantModel {
				t.Errorf("got %s/%s, want %s/%s", cfg.Provider, cfg.ActiveModel(), tt.wantProv, tt.wantModel)
			}
		})
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Timeout = 10 * time.Second
	cfg.Tools.DenyPaths = []string{"**/.env"}
	cfg.Retry.MaxAttempts = 2
	cfg.Compaction.ContextWindow = 100000
	cfg.Agent.MaxTurns = 7
	cfg.Agent.SystemPrompt = "Prefer small diffs."

	tc := toolConfig(cfg, "/work")
	if tc.WorkDir != "/work" || tc.Timeout != 10*time.Second || len(tc.DenyPaths) != 1 || tc.MaxLines != 2000 {
		t.Errorf("tool config = %+v", tc)
	}

	ac := agentConfig(cfg, "/work", []string{"read"})
	if ac.MaxTurns != 7 || ac.Retry.MaxAttempts != 2 || ac.Compaction.ContextWindow != 100000 || !ac.Compaction.Enabled {
		t.Errorf("agent config = %+v", ac)
	}
	if !strings.Contains(ac.SystemPrompt, "Prefer small diffs.") || !strings.Contains(ac.SystemPrompt, "/work") {
		t.Errorf("system prompt = %q", ac.SystemPrompt)
	}

	// Proactive compaction is on by default through the provider's window.
	def := agentConfig(config.Default(), "/work", nil)
	if def.Compaction.ContextWindow != 200000 || def.Compaction.Threshold() <= 0 {
		t.Errorf("default compaction = %+v, threshold %d", def.Compaction, def.Compaction.Threshold())
	}

	sc := sessionConfig(cfg, true)
	if sc.Enabled {
		t.Error("sessions enabled despite --no-session")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{&agent.TurnError{Kind: agent.FailCancelled}, 130},
		{errForceQuit, 130},
		{&agent.TurnError{Kind: agent.FailRetryExhausted}, 1},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"fix", "the", "bug"}, nil)
	if err != nil || got != "fix the bug" {
		t.Errorf("args prompt = %q, %v", got, err)
	}

	if _, err := readPrompt(nil, nil); err == nil {
		t.Error("expected error for empty prompt")
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w.WriteString("diff --git a/x b/x\n")
	w.Close()
	defer r.Close()

	got, err = readPrompt([]string{"review"}, r)
	if err != nil {
		t.Fatalf("readPrompt: %v", err)
	}
	if got != "review\n\n<stdin>\ndiff --git a/x b/x\n</stdin>" {
		t.Errorf("piped prompt = %q", got)
	}
}
