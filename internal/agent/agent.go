// Package agent drives a conversation between a user, a model provider and
// local tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/samsaffron/tau/internal/llm"
)

// State is the agent's position in the turn state machine.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingModel  State = "awaiting_model"
	StateStreaming      State = "streaming"
	StateExecutingTools State = "executing_tools"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// Running reports whether a turn is in progress.
func (s State) Running() bool {
	switch s {
	case StateAwaitingModel, StateStreaming, StateExecutingTools:
		return true
	}
	return false
}

const (
	defaultMaxTurns    = 50
	defaultEventBuffer = 256
)

// ToolRunner executes tool calls. *tools.Executor implements it.
type ToolRunner interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult
}

// Store persists the conversation. Save is called after every appended
// message and after compaction; a Generation change means earlier messages
// were replaced.
type Store interface {
	Save(ctx context.Context, conv Conversation) error
}

// Conversation is the agent's history plus cumulative counters.
type Conversation struct {
	Messages   []llm.Message `json:"messages"`
	Usage      llm.Usage     `json:"usage"`
	Generation int           `json:"generation"` // incremented by each compaction
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]llm.Message(nil), c.Messages...)
	return out
}

// Config configures an Agent.
type Config struct {
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	MaxTurns        int // model round-trips per Submit
	Retry           llm.RetryConfig
	Compaction      CompactionConfig
	EventBuffer     int

	// Store receives the conversation after every change. Optional.
	Store Store
	// History seeds the conversation, e.g. from a resumed session.
	History *Conversation
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		MaxTurns:    defaultMaxTurns,
		Retry:       llm.DefaultRetryConfig(),
		Compaction:  DefaultCompactionConfig(),
		EventBuffer: defaultEventBuffer,
	}
}

// turn tracks one Submit.
type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Agent runs turns against a provider. One turn runs at a time; the event
// feed must be drained by the caller.
type Agent struct {
	provider  llm.Provider
	tools     ToolRunner
	cfg       Config
	compactor *Compactor
	events    chan Event

	mu    sync.Mutex
	state State
	conv  Conversation
	turn  *turn

	// Owned by the turn goroutine.
	loops          *loopDetector
	lastInput      int // input tokens reported by the last provider call
	lastInputCount int // messages sent with that call
}

// NewAgent creates an idle agent. tools may be nil.
func NewAgent(provider llm.Provider, tools ToolRunner, cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	a := &Agent{
		provider:  provider,
		tools:     tools,
		cfg:       cfg,
		compactor: NewCompactor(provider, cfg.Model, cfg.Compaction),
		events:    make(chan Event, cfg.EventBuffer),
		state:     StateIdle,
		loops:     newLoopDetector(loopWindow),
	}
	if cfg.History != nil {
		a.conv = cfg.History.Clone()
		// A session saved mid-execution has calls without results.
		for _, call := range unresolvedCalls(a.conv.Messages) {
			a.conv.Messages = append(a.conv.Messages, cancelledResult(call))
		}
	}
	return a
}

// Events returns the outward event feed. Every turn ends with exactly one
// terminal event.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns a copy of the conversation.
func (a *Agent) Snapshot() Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv.Clone()
}

// Submit appends a user message and starts a turn. The turn runs until it
// completes, fails, or ctx or Cancel stops it.
func (a *Agent) Submit(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Running() {
		return ErrBusy
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{cancel: cancel, done: make(chan struct{})}
	a.turn = t
	a.state = StateAwaitingModel
	a.conv.Messages = append(a.conv.Messages, llm.UserText(text))

	go a.run(turnCtx, t)
	return nil
}

// Cancel stops the running turn. It is a no-op when no turn is running.
func (a *Agent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turn != nil && a.state.Running() {
		a.turn.cancel()
	}
}

// Clear drops the conversation and its usage, persisting the empty history.
// It fails with ErrBusy while a turn is running.
func (a *Agent) Clear(ctx context.Context) error {
	a.mu.Lock()
	if a.state.Running() {
		a.mu.Unlock()
		return ErrBusy
	}
	a.conv = Conversation{Generation: a.conv.Generation + 1}
	a.lastInput, a.lastInputCount = 0, 0
	a.mu.Unlock()
	a.save(ctx)
	return nil
}

// Wait blocks until the current turn settles. It returns nil for a completed
// turn and a *TurnError otherwise.
func (a *Agent) Wait() error {
	a.mu.Lock()
	t := a.turn
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	<-t.done
	return t.err
}

func (a *Agent) run(ctx context.Context, t *turn) {
	defer close(t.done)
	defer t.cancel()

	a.loops.Reset()
	a.save(ctx)
	a.emit(ctx, Event{Type: EventTurnStarted})

	var usage llm.Usage
	err := a.runLoop(ctx, &usage)

	switch {
	case err == nil:
		a.setState(StateCompleted)
		a.events <- Event{Type: EventTurnCompleted, Usage: usage}
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		for _, call := range unresolvedCalls(a.messages()) {
			a.appendMessage(ctx, cancelledResult(call))
		}
		t.err = &TurnError{Kind: FailCancelled, Err: context.Canceled}
		a.setState(StateCancelled)
		a.events <- Event{Type: EventTurnCancelled, Kind: FailCancelled, Err: t.err}
	default:
		var te *TurnError
		if !errors.As(err, &te) {
			te = turnFailure(err)
		}
		t.err = te
		slog.Debug("turn failed", "kind", te.Kind, "error", te.Err)
		a.setState(StateFailed)
		a.events <- Event{Type: EventTurnFailed, Kind: te.Kind, Err: te}
	}
}

// runLoop alternates provider calls and tool execution until the model
// stops asking for tools.
func (a *Agent) runLoop(ctx context.Context, usage *llm.Usage) error {
	for round := 0; ; round++ {
		if round >= a.cfg.MaxTurns {
			return &TurnError{Kind: FailMaxTurns, Err: fmt.Errorf("stopped after %d model round-trips", a.cfg.MaxTurns)}
		}
		if err := a.maybeCompact(ctx); err != nil {
			return err
		}

		msg, err := a.request(ctx, usage)
		if err != nil {
			return err
		}
		if len(msg.Parts) == 0 {
			return nil
		}
		a.appendMessage(ctx, msg)

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			return nil
		}

		a.setState(StateExecutingTools)
		results := a.executeTools(ctx, calls)
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range results {
			a.appendMessage(ctx, llm.ToolResultMessage(r))
		}

		for _, call := range calls {
			if pattern := a.loops.Observe(call); pattern != nil {
				slog.Warn("repeated tool call pattern", "pattern", strings.Join(pattern, ","))
				a.emit(ctx, Event{Type: EventLoopDetected, Pattern: pattern})
			}
		}
		a.setState(StateAwaitingModel)
	}
}

// request performs one provider call, retrying transient failures and
// compacting once on context overflow.
func (a *Agent) request(ctx context.Context, usage *llm.Usage) (llm.Message, error) {
	compacted := false
	for attempt := 1; ; attempt++ {
		msg, use, err := a.streamOnce(ctx)
		if err == nil {
			usage.Add(use)
			a.mu.Lock()
			a.conv.Usage.Add(use)
			a.mu.Unlock()
			return msg, nil
		}
		if ctx.Err() != nil {
			return llm.Message{}, ctx.Err()
		}

		se := llm.ClassifyError(a.provider.Name(), err)
		switch {
		case se.Kind == llm.ErrContextExceeded:
			if compacted || !a.cfg.Compaction.Enabled {
				return llm.Message{}, &TurnError{Kind: FailContextExceeded, Err: se}
			}
			compacted = true
			if cerr := a.compact(ctx); cerr != nil {
				if ctx.Err() != nil {
					return llm.Message{}, ctx.Err()
				}
				slog.Warn("compaction after context overflow failed", "error", cerr)
				return llm.Message{}, &TurnError{Kind: FailContextExceeded, Err: se}
			}
		case se.Retryable():
			if attempt >= a.cfg.Retry.MaxAttempts {
				return llm.Message{}, &TurnError{Kind: FailRetryExhausted, Err: se}
			}
			delay := a.cfg.Retry.Backoff(attempt, se)
			slog.Warn("provider call failed, retrying",
				"provider", a.provider.Name(), "kind", se.Kind, "attempt", attempt, "delay", delay)
			a.emit(ctx, Event{Type: EventRetrying, Attempt: attempt, Delay: delay, Err: se})
			if err := llm.Sleep(ctx, delay); err != nil {
				return llm.Message{}, err
			}
		default:
			return llm.Message{}, turnFailure(se)
		}
	}
}

// streamOnce opens one stream, relays its events and folds them into an
// assistant message. Nothing is appended to history here.
func (a *Agent) streamOnce(ctx context.Context) (llm.Message, llm.Usage, error) {
	a.setState(StateAwaitingModel)
	req := a.buildRequest()
	stream, err := a.provider.Stream(ctx, req)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}
	defer stream.Close()
	a.setState(StateStreaming)

	var (
		text, reasoning, signature strings.Builder
		calls                      []llm.ToolCall
		usage                      llm.Usage
		stopped                    bool
	)
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return llm.Message{}, llm.Usage{}, err
		}
		if err := ctx.Err(); err != nil {
			return llm.Message{}, llm.Usage{}, err
		}
		a.emit(ctx, Event{Type: EventStream, Stream: ev})

		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventReasoningDelta:
			reasoning.WriteString(ev.Text)
			signature.WriteString(ev.Signature)
		case llm.EventToolCallComplete:
			if ev.Tool != nil {
				calls = append(calls, *ev.Tool)
			}
		case llm.EventUsage:
			if ev.Use != nil {
				usage = *ev.Use
			}
		case llm.EventStop:
			stopped = true
		}
	}
	if !stopped {
		return llm.Message{}, llm.Usage{}, llm.NewStreamError(llm.ErrTruncated, "stream ended without a stop event")
	}

	a.lastInput = usage.InputTokens
	a.lastInputCount = len(req.Messages)

	msg := buildAssistantMessage(text.String(), reasoning.String(), signature.String(), dedupeToolCalls(calls))
	if len(msg.Parts) > 0 {
		u := usage
		msg.Usage = &u
	}
	return msg, usage, nil
}

func (a *Agent) buildRequest() llm.Request {
	req := llm.Request{
		Model:           a.cfg.Model,
		System:          a.cfg.SystemPrompt,
		Messages:        a.messages(),
		MaxOutputTokens: a.cfg.MaxOutputTokens,
	}
	if a.tools != nil {
		req.Tools = a.tools.Specs()
	}
	return req
}

// executeTools runs calls concurrently and returns results in call order.
func (a *Agent) executeTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		call := calls[i]
		a.emit(ctx, Event{Type: EventToolExecuting, Call: &call})
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := a.runTool(ctx, call)
			results[i] = res
			a.emit(ctx, Event{Type: EventToolCompleted, Call: &call, Result: &res})
		}()
	}
	wg.Wait()
	return results
}

func (a *Agent) runTool(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	if a.tools == nil {
		return llm.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("unknown tool %q; no tools are available", call.Name),
			IsError: true,
			ErrKind: llm.ToolErrInvalidCall,
		}
	}
	return a.tools.Execute(ctx, call)
}

// maybeCompact compacts before a provider call when the estimated input
// would leave less than the reserve free.
func (a *Agent) maybeCompact(ctx context.Context) error {
	threshold := a.cfg.Compaction.Threshold()
	if threshold == 0 {
		return nil
	}
	est := a.estimateInput()
	if est <= threshold {
		return nil
	}
	slog.Debug("compacting history", "estimated_tokens", est, "threshold", threshold)
	if err := a.compact(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrNothingToCompact) {
			slog.Warn("proactive compaction failed", "error", err)
		}
	}
	return nil
}

func (a *Agent) estimateInput() int {
	msgs := a.messages()
	if a.lastInput > 0 && a.lastInputCount <= len(msgs) {
		return a.lastInput + EstimateTotalTokens(msgs[a.lastInputCount:])
	}
	return EstimateTotalTokens(msgs)
}

func (a *Agent) compact(ctx context.Context) error {
	res, err := a.compactor.Compact(ctx, a.messages())
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conv.Messages = res.Messages
	a.conv.Generation++
	a.mu.Unlock()
	a.lastInput, a.lastInputCount = 0, 0

	a.save(ctx)
	a.emit(ctx, Event{
		Type:         EventCompacted,
		Dropped:      res.Dropped,
		TokensBefore: res.TokensBefore,
		TokensAfter:  res.TokensAfter,
		Summarized:   res.Summarized,
	})
	return nil
}

func (a *Agent) messages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.conv.Messages...)
}

func (a *Agent) appendMessage(ctx context.Context, msg llm.Message) {
	a.mu.Lock()
	a.conv.Messages = append(a.conv.Messages, msg)
	a.mu.Unlock()
	a.save(ctx)
}

func (a *Agent) save(ctx context.Context) {
	if a.cfg.Store == nil {
		return
	}
	// Persist even when the turn is being cancelled.
	if err := a.cfg.Store.Save(context.WithoutCancel(ctx), a.Snapshot()); err != nil {
		slog.Warn("failed to save conversation", "error", err)
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// emit delivers a non-terminal event, giving up once the turn is cancelled.
func (a *Agent) emit(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func buildAssistantMessage(text, reasoning, signature string, calls []llm.ToolCall) llm.Message {
	var parts []llm.Part
	if reasoning != "" || signature != "" {
		parts = append(parts, llm.Part{Type: llm.PartReasoning, Text: reasoning, Signature: signature})
	}
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &call})
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}
}

func dedupeToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		if _, ok := seen[call.ID]; ok {
			continue
		}
		seen[call.ID] = struct{}{}
		out = append(out, call)
	}
	return out
}

// unresolvedCalls returns the calls of the last assistant message that have
// no result after it.
func unresolvedCalls(msgs []llm.Message) []llm.ToolCall {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	resolved := map[string]bool{}
	for _, m := range msgs[idx+1:] {
		for _, p := range m.Parts {
			if p.Type == llm.PartToolResult && p.ToolResult != nil {
				resolved[p.ToolResult.ID] = true
			}
		}
	}
	var out []llm.ToolCall
	for _, call := range msgs[idx].ToolCalls() {
		if !resolved[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

func cancelledResult(call llm.ToolCall) llm.Message {
	return llm.ToolResultMessage(llm.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: "tool call cancelled before completion",
		IsError: true,
		ErrKind: llm.ToolErrCancelled,
	})
}
