// Package cmd implements the eduhelper command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	flagConfig   string
	flagLogLevel string
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eduhelper",
		Short: "Conversational assistant for academic tasks",
		Long: `EduHelper walks a student through a task: a short interview,
a solution plan to confirm, then the worked answer.

Use 'eduhelper serve' to run the HTTP API.
Use 'eduhelper chat' to talk to the engine from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(),
		chatCmd(),
		statsCmd(),
		userCmd(),
		dbCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "EduHelper v%s\n", version)
		},
	}
}
