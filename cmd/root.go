package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tau",
	Short: "A coding agent for your terminal",
	Long: `tau runs a language model against your project with local tools
(bash, read, write, edit, list, glob, grep) until the task is done.

Examples:
  tau run "add a --verbose flag to cmd/root.go"
  echo "explain main.go" | tau run
  tau chat --provider openai:gpt-5.2
  tau chat --resume last

  tau sessions list                     # recent sessions
  tau config init                       # write a default config file`,
	Version:           Version,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(debugLogs)
	},
}

// Flags shared by every command
var (
	providerFlag  string
	modelFlag     string
	resumeFlag    string
	debugLogs     bool
	noSession     bool
	showReasoning bool
	showStats     bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&providerFlag, "provider", "", "Provider to use (anthropic, openai, gemini), optionally as provider:model")
	flags.StringVar(&modelFlag, "model", "", "Model override for the selected provider")
	flags.StringVar(&resumeFlag, "resume", "", "Resume a session by id, number, or 'last'")
	flags.BoolVar(&debugLogs, "debug", false, "Log debug details to stderr")
	flags.BoolVar(&noSession, "no-session", false, "Do not record this conversation")
	flags.BoolVar(&showReasoning, "reasoning", false, "Show model reasoning as it streams")
	flags.BoolVar(&showStats, "stats", false, "Show session statistics (time, tokens, tool calls)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs a text handler on stderr. Library packages log
// through slog; only warnings show unless debug is set.
func setupLogging(debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
