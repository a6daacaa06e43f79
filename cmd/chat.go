package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/samsaffron/tau/internal/session"
	"github.com/samsaffron/tau/internal/signal"
	"github.com/samsaffron/tau/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Start an interactive session",
	Long: `Start a line-mode conversation with the agent.

Ctrl-C cancels the running turn; a second Ctrl-C, or Ctrl-C at the prompt,
exits. Type /help for commands, /quit or Ctrl-D to leave.

Examples:
  tau chat
  tau chat "what does this repo do?"
  tau chat --resume 12`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	runner, err := newSessionRunner(ctx, runnerOptions{
		mode:      session.ModeChat,
		resume:    resumeFlag,
		noSession: noSession,
		out:       out,
	})
	if err != nil {
		return err
	}
	defer runner.close()

	sigs, stop := signal.Interrupts()
	defer stop()

	styles := ui.NewStyles(out)
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		header := fmt.Sprintf("tau · session #%d · %s", runner.sess.Number, runner.sess.Model)
		if n := len(runner.agent.Snapshot().Messages); n > 0 {
			header += fmt.Sprintf(" · resumed %d messages", n)
		}
		fmt.Fprintln(out, styles.Muted.Render(header))
	}

	c := &chat{
		runner:     runner,
		out:        out,
		styles:     styles,
		showPrompt: interactive,
	}
	if initial := strings.TrimSpace(strings.Join(args, " ")); initial != "" {
		if done := c.submit(ctx, initial, sigs); done {
			return nil
		}
	}
	return c.loop(ctx, readLines(os.Stdin), sigs)
}

// chat is the line REPL around a sessionRunner.
type chat struct {
	runner     *sessionRunner
	out        io.Writer
	styles     *ui.Styles
	showPrompt bool
}

// loop reads lines until input ends, /quit, or an interrupt at the prompt.
// Lines naming a command run it instead of starting a turn.
func (c *chat) loop(ctx context.Context, lines <-chan string, sigs <-chan os.Signal) error {
	for {
		if c.showPrompt {
			fmt.Fprint(c.out, c.styles.Prompt.Render("❯ "))
		}
		select {
		case line, ok := <-lines:
			if !ok {
				if c.showPrompt {
					fmt.Fprintln(c.out)
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if name, ok := findChatCommand(line); ok {
				if quit := c.command(ctx, name); quit {
					return nil
				}
				continue
			}
			if looksLikeCommand(line) {
				fmt.Fprintln(c.out, c.styles.Error.Render(fmt.Sprintf("Unknown command %s. Type /help for commands.", line)))
				continue
			}
			if done := c.submit(ctx, line, sigs); done {
				return nil
			}
		case <-sigs:
			fmt.Fprintln(c.out)
			return nil
		}
	}
}

// chatCommand is a REPL command typed as /name or /alias.
type chatCommand struct {
	name    string
	aliases []string
	help    string
}

var chatCommands = []chatCommand{
	{name: "help", aliases: []string{"h", "?"}, help: "Show available commands"},
	{name: "clear", aliases: []string{"c"}, help: "Clear the conversation history"},
	{name: "session", aliases: []string{"s"}, help: "Show session info and token usage"},
	{name: "quit", aliases: []string{"exit", "q"}, help: "Exit the chat"},
}

// findChatCommand resolves the command named by the first word of line.
func findChatCommand(line string) (string, bool) {
	if !strings.HasPrefix(line, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(line[1:], " ")
	word = strings.ToLower(word)
	for _, cmd := range chatCommands {
		if word == cmd.name || slices.Contains(cmd.aliases, word) {
			return cmd.name, true
		}
	}
	return "", false
}

// looksLikeCommand reports whether line is a single /word rather than a
// prompt that starts with a path.
func looksLikeCommand(line string) bool {
	return strings.HasPrefix(line, "/") && len(line) > 1 && !strings.ContainsAny(line[1:], "/ \t")
}

// command runs a REPL command and reports whether the REPL should exit.
func (c *chat) command(ctx context.Context, name string) bool {
	switch name {
	case "quit":
		return true
	case "help":
		c.printHelp()
	case "clear":
		if err := c.runner.agent.Clear(ctx); err != nil {
			fmt.Fprintln(c.out, c.styles.Error.Render(fmt.Sprintf("clear failed: %v", err)))
			return false
		}
		fmt.Fprintln(c.out, c.styles.Muted.Render("Conversation cleared."))
	case "session":
		c.printSession()
	}
	return false
}

func (c *chat) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	for _, cmd := range chatCommands {
		names := "/" + cmd.name
		for _, alias := range cmd.aliases {
			names += ", /" + alias
		}
		fmt.Fprintf(c.out, "  %-22s %s\n", names, c.styles.Muted.Render(cmd.help))
	}
}

func (c *chat) printSession() {
	sess := c.runner.sess
	conv := c.runner.agent.Snapshot()
	if sess.Number > 0 {
		fmt.Fprintf(c.out, "Session:  #%d (%s)\n", sess.Number, sess.ID)
	} else {
		fmt.Fprintln(c.out, "Session:  not recorded")
	}
	fmt.Fprintf(c.out, "Model:    %s · %s\n", sess.Provider, sess.Model)
	fmt.Fprintf(c.out, "Messages: %d\n", len(conv.Messages))
	u := conv.Usage
	fmt.Fprintf(c.out, "Tokens:   %s in · %s out · %s cached\n",
		formatSessionCount(u.InputTokens), formatSessionCount(u.OutputTokens), formatSessionCount(u.CachedInputTokens))
}

// submit runs one turn and reports whether the REPL should exit.
func (c *chat) submit(ctx context.Context, text string, sigs <-chan os.Signal) bool {
	err := c.runner.turn(ctx, text, sigs)
	if errors.Is(err, errForceQuit) {
		fmt.Fprintln(c.out, c.styles.Muted.Render(err.Error()))
		return true
	}
	// Failures and cancellation were rendered; the conversation continues.
	return false
}

// readLines delivers stdin lines on a channel that is closed at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
