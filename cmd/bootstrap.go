package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/samsaffron/tau/internal/agent"
	"github.com/samsaffron/tau/internal/config"
	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/prompt"
	"github.com/samsaffron/tau/internal/session"
	"github.com/samsaffron/tau/internal/tools"
	"github.com/samsaffron/tau/internal/ui"
)

// newProvider is replaced in tests.
var newProvider = llm.NewProvider

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// parseProviderModel splits "provider:model" into its parts.
func parseProviderModel(s string) (provider, model string, err error) {
	provider, model, _ = strings.Cut(s, ":")
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider %q: expected provider or provider:model", s)
	}
	return provider, model, nil
}

// applyProviderOverrides applies --provider and --model. An explicit --model
// wins over a model given as provider:model.
func applyProviderOverrides(cfg *config.Config, providerFlag, modelFlag string) error {
	if providerFlag != "" {
		provider, model, err := parseProviderModel(providerFlag)
		if err != nil {
			return err
		}
		cfg.ApplyOverrides(provider, model)
	}
	cfg.ApplyOverrides("", modelFlag)
	return cfg.Validate()
}

func sessionConfig(cfg *config.Config, disabled bool) session.Config {
	return session.Config{
		Enabled:    cfg.Sessions.Enabled && !disabled,
		MaxAgeDays: cfg.Sessions.MaxAgeDays,
		MaxCount:   cfg.Sessions.MaxCount,
		Path:       cfg.Sessions.Path,
	}
}

func toolConfig(cfg *config.Config, workDir string) tools.ToolConfig {
	tc := tools.DefaultToolConfig()
	tc.WorkDir = workDir
	if len(cfg.Tools.Enabled) > 0 {
		tc.Enabled = cfg.Tools.Enabled
	}
	if cfg.Tools.Timeout > 0 {
		tc.Timeout = cfg.Tools.Timeout
	}
	if cfg.Tools.MaxTimeout > 0 {
		tc.MaxTimeout = cfg.Tools.MaxTimeout
	}
	if cfg.Tools.MaxBytes > 0 {
		tc.MaxBytes = cfg.Tools.MaxBytes
	}
	if cfg.Tools.MaxLines > 0 {
		tc.MaxLines = cfg.Tools.MaxLines
	}
	tc.DenyPaths = cfg.Tools.DenyPaths
	return tc
}

func agentConfig(cfg *config.Config, workDir string, toolNames []string) agent.Config {
	ac := agent.DefaultConfig()
	globalDir, _ := config.GetConfigDir()
	ac.SystemPrompt = prompt.AgentSystemPrompt(cfg.Agent.SystemPrompt, prompt.LoadContext(globalDir, workDir), workDir, toolNames)
	ac.MaxOutputTokens = cfg.Agent.MaxOutputTokens
	if cfg.Agent.MaxTurns > 0 {
		ac.MaxTurns = cfg.Agent.MaxTurns
	}
	ac.Retry = llm.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	}
	ac.Compaction = agent.CompactionConfig{
		Enabled:          cfg.Compaction.Enabled,
		ContextWindow:    cfg.ContextWindow(),
		ReserveTokens:    cfg.Compaction.ReserveTokens,
		KeepRecentTokens: cfg.Compaction.KeepRecentTokens,
	}
	return ac
}

// sessionRunner wires an agent to a session store and a terminal renderer.
type sessionRunner struct {
	agent    *agent.Agent
	store    session.Store
	sess     *session.Session
	renderer *ui.Renderer
	stats    *ui.SessionStats
	out      io.Writer

	// abandoned is set when a force-quit turn outlived forceQuitGrace; the
	// store is then left open for its pending saves.
	abandoned bool
}

type runnerOptions struct {
	mode      session.SessionMode
	resume    string
	noSession bool
	out       io.Writer
}

// newSessionRunner loads configuration, opens or resumes the session, and
// builds the agent.
func newSessionRunner(ctx context.Context, opts runnerOptions) (*sessionRunner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(sessionConfig(cfg, opts.noSession))
	if err != nil {
		slog.Warn("session storage unavailable", "error", err)
		store = &session.NoopStore{}
	}

	var sess *session.Session
	var history *agent.Conversation
	if opts.resume != "" {
		sess, err = store.Resolve(ctx, opts.resume)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("resume %q: %w", opts.resume, err)
		}
		history, err = store.LoadConversation(ctx, sess.ID)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load session %s: %w", sess.ID, err)
		}
		// The resumed session keeps its provider unless flags say otherwise.
		cfg.ApplyOverrides(sess.Provider, sess.Model)
	}

	if err := applyProviderOverrides(cfg, providerFlag, modelFlag); err != nil {
		store.Close()
		return nil, err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	workDir, _ := os.Getwd()
	registry, err := tools.NewDefaultRegistry(toolConfig(cfg, workDir))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	executor := tools.NewExecutor(registry, toolConfig(cfg, workDir))

	if sess == nil {
		sess = &session.Session{
			Provider: cfg.Provider,
			Model:    cfg.ActiveModel(),
			Mode:     opts.mode,
			CWD:      workDir,
		}
		if err := store.Create(ctx, sess); err != nil {
			store.Close()
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	slog.Debug("session ready", "id", sess.ID, "provider", provider.Name(), "credential", provider.Credential())

	ac := agentConfig(cfg, workDir, registry.Names())
	ac.Store = session.NewRecorder(store, sess.ID)
	ac.History = history

	out := opts.out
	if out == nil {
		out = os.Stdout
	}
	return &sessionRunner{
		agent:    agent.NewAgent(provider, executor, ac),
		store:    store,
		sess:     sess,
		renderer: ui.NewRenderer(out, showReasoning),
		stats:    ui.NewSessionStats(),
		out:      out,
	}, nil
}

// errForceQuit is returned by turn when a second interrupt arrives before a
// cancelled turn settles.
var errForceQuit = errors.New("interrupted again, exiting")

// forceQuitGrace bounds how long a force quit waits for the cancelled turn.
var forceQuitGrace = 2 * time.Second

// turn submits text and renders events until the turn settles. The first
// signal on interrupt cancels the turn; a second one stops waiting for it
// and returns errForceQuit.
func (r *sessionRunner) turn(ctx context.Context, text string, interrupt <-chan os.Signal) error {
	if err := r.agent.Submit(ctx, text); err != nil {
		return err
	}
	events := r.agent.Events()
	cancelled := false
	for {
		select {
		case ev := <-events:
			r.renderer.Render(ev)
			r.stats.Observe(ev)
			if ev.Terminal() {
				err := r.agent.Wait()
				r.recordStatus(err)
				return err
			}
		case <-interrupt:
			if cancelled {
				r.settle(events)
				r.recordStatus(&agent.TurnError{Kind: agent.FailCancelled})
				return errForceQuit
			}
			cancelled = true
			r.agent.Cancel()
		}
	}
}

// settle drains events, unrendered, until the cancelled turn ends or
// forceQuitGrace passes.
func (r *sessionRunner) settle(events <-chan agent.Event) {
	timer := time.NewTimer(forceQuitGrace)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.Terminal() {
				r.agent.Wait()
				return
			}
		case <-timer.C:
			slog.Warn("cancelled turn did not stop in time", "grace", forceQuitGrace)
			r.abandoned = true
			return
		}
	}
}

func (r *sessionRunner) recordStatus(err error) {
	status := session.StatusComplete
	switch {
	case err == nil:
	case agent.KindOf(err) == agent.FailCancelled:
		status = session.StatusInterrupted
	default:
		status = session.StatusError
	}
	if uerr := r.store.UpdateStatus(context.Background(), r.sess.ID, status); uerr != nil {
		slog.Warn("failed to update session status", "session", r.sess.ID, "error", uerr)
	}
}

func (r *sessionRunner) close() {
	if showStats {
		fmt.Fprintln(r.out, r.stats.Render())
	}
	if r.abandoned {
		return
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("failed to close session store", "error", err)
	}
}

// exitCode maps a turn error to a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errForceQuit), errors.Is(err, context.Canceled), agent.KindOf(err) == agent.FailCancelled:
		return 130
	default:
		return 1
	}
}
