// Package cmd implements the agentrelay terminal frontend.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	ro := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Relay prompts to coding agent backends from the terminal",
		Long:          "agentrelay runs prompts against Claude Code, Codex or hosted model APIs with persistent sessions, tool approvals and automatic fallback.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&ro.configPath, "config", "", "config file (default ./agentrelay.yaml or ~/.config/agentrelay/agentrelay.yaml)")
	rootCmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(ro),
		newChatCmd(ro),
		newSessionsCmd(ro),
		newBackendsCmd(ro),
	)

	return rootCmd
}
