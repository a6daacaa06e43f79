package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/samsaffron/tau/internal/llm"
	"github.com/samsaffron/tau/internal/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage recorded sessions",
	Long: `List, search, show, and delete recorded sessions.

Sessions are referenced by id, id prefix, number (12 or #12), or "last".

Examples:
  tau sessions                            # List recent sessions
  tau sessions list --provider anthropic
  tau sessions search "migration"
  tau sessions show last
  tau sessions delete #3`,
	RunE: runSessionsList, // Default to list
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSearch,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

// Flags
var (
	sessionsProvider string
	sessionsLimit    int
	sessionsJSON     bool
	sessionsStatus   string
)

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsProvider, "provider", "", "Filter by provider")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list")
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, complete, error, interrupted)")

	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSearchCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	rootCmd.AddCommand(sessionsCmd)
}

func getSessionStore() (session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if !cfg.Sessions.Enabled {
		return nil, fmt.Errorf("session storage is disabled in config")
	}

	return session.NewStore(sessionConfig(cfg, false))
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if sessionsStatus != "" {
		validStatuses := []string{"active", "complete", "error", "interrupted"}
		if !slices.Contains(validStatuses, sessionsStatus) {
			return fmt.Errorf("invalid status %q: must be one of %v", sessionsStatus, validStatuses)
		}
	}

	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(context.Background(), session.ListOptions{
		Provider: sessionsProvider,
		Status:   session.SessionStatus(sessionsStatus),
		Limit:    sessionsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	printSessionList(cmd.OutOrStdout(), summaries)
	return nil
}

func printSessionList(w io.Writer, summaries []session.SessionSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	fmt.Fprintf(w, "%-5s %-30s %-10s %4s %-11s %-11s %s\n",
		"#", "SUMMARY", "PROVIDER", "MSGS", "TOKENS", "STATUS", "AGE")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, s := range summaries {
		summary := s.Summary
		if s.Name != "" {
			summary = s.Name
		}
		if len(summary) > 30 {
			summary = summary[:27] + "..."
		}

		status := string(s.Status)
		if status == "" {
			status = "active"
		}

		fmt.Fprintf(w, "%-5d %-30s %-10s %4d %-11s %-11s %s\n",
			s.Number, summary, s.Provider, s.MessageCount,
			formatSessionTokens(s.InputTokens, s.OutputTokens), status, formatRelativeTime(s.UpdatedAt))
	}
}

// formatSessionTokens formats input/output tokens in compact form
func formatSessionTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatSessionCount(input), formatSessionCount(output))
}

// formatSessionCount formats a number in compact form (e.g., 1k, 1.2k, 3.4M)
func formatSessionCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dk", int(val))
		}
		return fmt.Sprintf("%.1fk", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}

// formatRelativeTime returns a human-readable relative time string
func formatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

func runSessionsSearch(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	query := strings.Join(args, " ")
	results, err := store.Search(context.Background(), query, 20)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(w, "No results found for '%s'\n", query)
		return nil
	}

	fmt.Fprintf(w, "Found %d matches for '%s':\n\n", len(results), query)
	for _, r := range results {
		fmt.Fprintf(w, "#%d %s (%s)\n", r.SessionNumber, r.Summary, r.Provider)
		fmt.Fprintf(w, "  %s\n\n", r.Snippet)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.Resolve(ctx, args[0])
	if err != nil {
		return err
	}

	messages, err := store.GetMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	w := cmd.OutOrStdout()
	if sessionsJSON {
		data := struct {
			Session  *session.Session  `json:"session"`
			Messages []session.Message `json:"messages"`
		}{
			Session:  sess,
			Messages: messages,
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	printSession(w, sess, messages)
	return nil
}

func printSession(w io.Writer, sess *session.Session, messages []session.Message) {
	fmt.Fprintf(w, "Session: #%d %s\n", sess.Number, sess.ID)
	if sess.Name != "" {
		fmt.Fprintf(w, "Name: %s\n", sess.Name)
	}
	fmt.Fprintf(w, "Provider: %s\n", sess.Provider)
	fmt.Fprintf(w, "Model: %s\n", sess.Model)
	fmt.Fprintf(w, "Mode: %s\n", sess.Mode)
	fmt.Fprintf(w, "Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated: %s\n", sess.UpdatedAt.Format(time.RFC3339))
	if sess.CWD != "" {
		fmt.Fprintf(w, "CWD: %s\n", sess.CWD)
	}
	status := string(sess.Status)
	if status == "" {
		status = "active"
	}
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Messages: %d\n", len(messages))
	if sess.Generation > 0 {
		fmt.Fprintf(w, "Compactions: %d\n", sess.Generation)
	}
	fmt.Fprintf(w, "Tokens: %s (input: %d, output: %d, cached: %d)\n",
		formatSessionTokens(sess.InputTokens, sess.OutputTokens),
		sess.InputTokens, sess.OutputTokens, sess.CachedInputTokens)
	fmt.Fprintln(w)

	for _, msg := range messages {
		for _, line := range describeMessage(msg) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}
}

// describeMessage renders one stored message as display lines.
func describeMessage(msg session.Message) []string {
	var lines []string
	for _, p := range msg.Parts {
		switch p.Type {
		case llm.PartText:
			prefix := "❯"
			if msg.Role == llm.RoleAssistant {
				prefix = "●"
			}
			lines = append(lines, prefix+" "+clip(p.Text, 200))
		case llm.PartToolCall:
			if p.ToolCall != nil {
				lines = append(lines, fmt.Sprintf("  → %s %s", p.ToolCall.Name, clip(string(p.ToolCall.Arguments), 120)))
			}
		case llm.PartToolResult:
			if r := p.ToolResult; r != nil {
				mark := "✓"
				if r.IsError {
					mark = "✗"
				}
				lines = append(lines, fmt.Sprintf("  %s %s: %s", mark, r.Name, clip(r.Content, 120)))
			}
		}
	}
	return lines
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session #%d (%s)\n", sess.Number, sess.ID)
	return nil
}
