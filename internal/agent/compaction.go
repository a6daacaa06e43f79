package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/samsaffron/tau/internal/llm"
)

const (
	summaryOpenTag  = "<context-summary>"
	summaryCloseTag = "</context-summary>"

	summaryMaxOutputTokens = 4096
	maxArgValueChars       = 100
	maxResultChars         = 2000
)

// ErrNothingToCompact is returned when the history is too short to reduce.
var ErrNothingToCompact = errors.New("not enough messages to compact")

// CompactionConfig controls when and how history is reduced.
type CompactionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ContextWindow is the model input limit in tokens. Zero disables
	// proactive compaction; overflow compaction still applies.
	ContextWindow    int `mapstructure:"context_window"`
	ReserveTokens    int `mapstructure:"reserve_tokens"`
	KeepRecentTokens int `mapstructure:"keep_recent_tokens"`
}

// DefaultCompactionConfig returns the default compaction policy.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Enabled:          true,
		ReserveTokens:    16384,
		KeepRecentTokens: 20000,
	}
}

// Threshold returns the token count above which proactive compaction runs,
// or 0 when it is disabled.
func (c CompactionConfig) Threshold() int {
	if !c.Enabled || c.ContextWindow <= 0 {
		return 0
	}
	t := c.ContextWindow - c.ReserveTokens
	if t <= 0 {
		t = c.ContextWindow / 2
	}
	return t
}

// CompactionResult describes a reduced history.
type CompactionResult struct {
	Messages      []llm.Message
	Dropped       int
	TokensBefore  int
	TokensAfter   int
	Summarized    bool // false when the summary call failed and the prefix was dropped
	ReadFiles     []string
	ModifiedFiles []string
}

// EstimateTokens approximates the token count of a message at four
// characters per token.
func EstimateTokens(m llm.Message) int {
	chars := 0
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText, llm.PartReasoning:
			chars += len(p.Text)
		case llm.PartToolCall:
			if p.ToolCall != nil {
				chars += len(p.ToolCall.Name) + len(p.ToolCall.Arguments)
			}
		case llm.PartToolResult:
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Name) + len(p.ToolResult.Content)
			}
		}
	}
	return chars / 4
}

// EstimateTotalTokens sums EstimateTokens over msgs.
func EstimateTotalTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

// FindCutPoint returns the index of the first message kept verbatim, or 0
// when nothing can be compacted. The kept tail holds at least keepRecent
// estimated tokens (or the last two messages when everything fits) and never
// starts with a tool message.
func FindCutPoint(msgs []llm.Message, keepRecent int) int {
	n := len(msgs)
	if n < 2 {
		return 0
	}

	cut := n - 2
	acc := 0
	for i := n - 1; i >= 0; i-- {
		acc += EstimateTokens(msgs[i])
		if acc >= keepRecent {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return 0
	}

	first := cut
	for first < n && msgs[first].Role == llm.RoleTool {
		first++
	}
	if first == n {
		// Only tool results remain; keep them with the calls that issued them.
		first = cut
		for first > 0 && msgs[first].Role == llm.RoleTool {
			first--
		}
	}
	return first
}

// Compactor replaces old history with a model-written summary.
type Compactor struct {
	provider llm.Provider
	model    string
	cfg      CompactionConfig
}

// NewCompactor creates a Compactor that summarizes with provider.
func NewCompactor(provider llm.Provider, model string, cfg CompactionConfig) *Compactor {
	return &Compactor{provider: provider, model: model, cfg: cfg}
}

// Compact reduces msgs. When the summary call fails the prefix is dropped
// and replaced by a notice; only cancellation or a history that cannot be
// split returns an error.
func (c *Compactor) Compact(ctx context.Context, msgs []llm.Message) (CompactionResult, error) {
	before := EstimateTotalTokens(msgs)
	first := FindCutPoint(msgs, c.cfg.KeepRecentTokens)
	if first == 0 {
		return CompactionResult{}, ErrNothingToCompact
	}

	prefix := msgs[:first]
	tail := msgs[first:]

	previous, rest := splitPreviousSummary(prefix)
	readFiles, modifiedFiles := extractFileOperations(rest)
	prompt := buildSummaryPrompt(previous, serializeMessages(rest), readFiles, modifiedFiles)

	result := CompactionResult{
		Dropped:       first,
		TokensBefore:  before,
		ReadFiles:     readFiles,
		ModifiedFiles: modifiedFiles,
	}

	var head llm.Message
	summary, err := c.summarize(ctx, prompt)
	switch {
	case err == nil:
		head = llm.UserText(summaryOpenTag + "\n" + summary + "\n" + summaryCloseTag)
		result.Summarized = true
	case ctx.Err() != nil:
		return CompactionResult{}, ctx.Err()
	default:
		slog.Warn("compaction summary failed, dropping history", "messages", first, "error", err)
		head = llm.UserText(fmt.Sprintf("[%d earlier messages were removed to fit the context window.]", first))
	}

	out := make([]llm.Message, 0, len(tail)+1)
	out = append(out, head)
	out = append(out, tail...)
	result.Messages = out
	result.TokensAfter = EstimateTotalTokens(out)
	return result, nil
}

func (c *Compactor) summarize(ctx context.Context, prompt string) (string, error) {
	stream, err := c.provider.Stream(ctx, llm.Request{
		Model:           c.model,
		System:          summarySystemPrompt,
		Messages:        []llm.Message{llm.UserText(prompt)},
		MaxOutputTokens: summaryMaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if ev.Type == llm.EventTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", errors.New("summary response was empty")
	}
	return summary, nil
}

// isSummary reports whether m is a compaction summary message.
func isSummary(m llm.Message) bool {
	return m.Role == llm.RoleUser && strings.HasPrefix(m.Text(), summaryOpenTag)
}

// splitPreviousSummary pulls earlier summaries out of the prefix so they are
// folded into the new one instead of being summarized as user text.
func splitPreviousSummary(prefix []llm.Message) (string, []llm.Message) {
	var summaries []string
	rest := make([]llm.Message, 0, len(prefix))
	for _, m := range prefix {
		if isSummary(m) {
			text := strings.TrimPrefix(m.Text(), summaryOpenTag)
			text = strings.TrimSuffix(text, summaryCloseTag)
			summaries = append(summaries, strings.TrimSpace(text))
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(summaries, "\n\n"), rest
}

// extractFileOperations lists paths touched by read-only and mutating tools.
func extractFileOperations(msgs []llm.Message) (read, modified []string) {
	readSet := map[string]bool{}
	modSet := map[string]bool{}
	for _, m := range msgs {
		for _, call := range m.ToolCalls() {
			var args struct {
				Path string `json:"path"`
			}
			if json.Unmarshal(call.Arguments, &args) != nil || args.Path == "" {
				continue
			}
			switch call.Name {
			case "read", "list", "glob", "grep":
				readSet[args.Path] = true
			case "write", "edit":
				modSet[args.Path] = true
			}
		}
	}
	for p := range readSet {
		if !modSet[p] {
			read = append(read, p)
		}
	}
	for p := range modSet {
		modified = append(modified, p)
	}
	sort.Strings(read)
	sort.Strings(modified)
	return read, modified
}

// serializeMessages renders history as plain text for the summary prompt.
func serializeMessages(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartText:
				if p.Text == "" {
					continue
				}
				if m.Role == llm.RoleAssistant {
					fmt.Fprintf(&sb, "[Assistant]: %s\n\n", p.Text)
				} else {
					fmt.Fprintf(&sb, "[User]: %s\n\n", p.Text)
				}
			case llm.PartReasoning:
				if p.Text != "" {
					fmt.Fprintf(&sb, "[Assistant thinking]: %s\n\n", p.Text)
				}
			case llm.PartToolCall:
				if p.ToolCall != nil {
					fmt.Fprintf(&sb, "[Assistant tool call]: %s\n\n", formatCall(*p.ToolCall))
				}
			case llm.PartToolResult:
				if p.ToolResult == nil {
					continue
				}
				label := "Tool result"
				if p.ToolResult.IsError {
					label = "Tool error"
				}
				fmt.Fprintf(&sb, "[%s (%s)]: %s\n\n", label, p.ToolResult.Name, clip(p.ToolResult.Content, maxResultChars))
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// formatCall renders a call as name(k=v, ...) with keys sorted.
func formatCall(call llm.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return fmt.Sprintf("%s(%s)", call.Name, clip(string(call.Arguments), maxArgValueChars))
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		if s, ok := args[k].(string); ok {
			v = s
		} else {
			raw, _ := json.Marshal(args[k])
			v = string(raw)
		}
		parts = append(parts, k+"="+clip(v, maxArgValueChars))
	}
	return fmt.Sprintf("%s(%s)", call.Name, strings.Join(parts, ", "))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func fileList(paths []string) string {
	if len(paths) == 0 {
		return "(none)"
	}
	return strings.Join(paths, ", ")
}

func buildSummaryPrompt(previous, conversation string, read, modified []string) string {
	var tmpl string
	if previous != "" {
		tmpl = updateSummaryPrompt
	} else {
		tmpl = summaryPrompt
	}
	r := strings.NewReplacer(
		"{previous_summary}", previous,
		"{read_files}", fileList(read),
		"{modified_files}", fileList(modified),
		"{conversation}", conversation,
	)
	return r.Replace(tmpl)
}

const summarySystemPrompt = `You summarize coding sessions between a user and an AI assistant. Your summary replaces the original messages in the assistant's context, so it must keep everything needed to continue the work without the original transcript.`

const summaryPrompt = `Summarize the conversation below using these sections:

1. Goal: what the user is trying to achieve.
2. Progress: what has been done so far, including specific changes.
3. Key Decisions: technical decisions made and their reasons.
4. Next Steps: what was about to happen next.
5. Critical Context: constraints, preferences, and details that must not be lost.
6. Files Read: {read_files}
7. Files Modified: {modified_files}

Be thorough but concise.

<conversation>
{conversation}
</conversation>`

const updateSummaryPrompt = `An earlier part of this conversation was already summarized. Merge that summary with the newer messages into one updated summary.

<previous-summary>
{previous_summary}
</previous-summary>

Use these sections:

1. Goal: what the user is trying to achieve, updated if it changed.
2. Progress: earlier and new progress, including specific changes.
3. Key Decisions: technical decisions made and their reasons.
4. Next Steps: what was about to happen next.
5. Critical Context: constraints, preferences, and details that must not be lost.
6. Files Read: {read_files}
7. Files Modified: {modified_files}

<new-messages>
{conversation}
</new-messages>`
