package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"asynccode/internal/config"
	"asynccode/internal/secrets"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aicode",
	Short: "aicode runs AI coding agents against git repositories in isolated sandboxes",
	Long: `aicode is a task execution engine: users submit natural-language prompts
bound to a git repository, and the engine dispatches each prompt to an AI
coding agent (claude or codex) running in an ephemeral sandbox. The agent's
changes are captured as a commit, a unified diff, and a patch.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { config.Load(cfgFile) })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// newLogger builds the process logger. Log output passes through the secret
// scrubber as a last line of defense; known secret shapes never reach stderr
// even if a component logs one verbatim.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	out := secrets.NewScrubber().Writer(os.Stderr)
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
