// Package cli implements the vlaude command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vlaude",
	Short: "Mirror Claude CLI transcripts into a queryable cache",
	Long: `vlaude watches the append-only session transcripts the Claude CLI writes
under ~/.claude/projects and mirrors them into a relational cache, so remote
clients can browse sessions, follow live turns, and hand a session back and
forth between the local terminal and a remote device.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
