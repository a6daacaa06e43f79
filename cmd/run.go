package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samsaffron/tau/internal/session"
	"github.com/samsaffron/tau/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single prompt to completion",
	Long: `Run one prompt through the agent and exit when the model is done.
The prompt is read from stdin when no argument is given.

Examples:
  tau run "fix the failing test in internal/tools"
  git diff | tau run "review this change"
  tau run --resume last "now add a test for it"`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	text, err := readPrompt(args, os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	code, err := runPrompt(ctx, cmd.OutOrStdout(), text)
	if err != nil {
		return err
	}
	if code != 0 {
		stop()
		os.Exit(code)
	}
	return nil
}

// runPrompt runs one turn and returns the process exit code. The returned
// error covers setup failures only; turn failures are rendered.
func runPrompt(ctx context.Context, out io.Writer, text string) (int, error) {
	runner, err := newSessionRunner(ctx, runnerOptions{
		mode:      session.ModeRun,
		resume:    resumeFlag,
		noSession: noSession,
		out:       out,
	})
	if err != nil {
		return 0, err
	}
	defer runner.close()

	return exitCode(runner.turn(ctx, text, nil)), nil
}

// readPrompt joins args, or reads stdin when it is not a terminal. Piped
// input alongside args is appended to the prompt.
func readPrompt(args []string, stdin *os.File) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))

	if stdin != nil && !term.IsTerminal(int(stdin.Fd())) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if piped := strings.TrimSpace(string(data)); piped != "" {
			if text == "" {
				text = piped
			} else {
				text = text + "\n\n<stdin>\n" + piped + "\n</stdin>"
			}
		}
	}

	if text == "" {
		return "", fmt.Errorf("no prompt given: pass it as an argument or pipe it on stdin")
	}
	return text, nil
}
