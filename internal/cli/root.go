// Package cli implements the runwatch command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand creates the root command. Running it without a subcommand
// starts watching, which is the common case.
func NewRootCommand() *cobra.Command {
	var showVersion bool
	var sessionID string

	cmd := &cobra.Command{
		Use:   "runwatch",
		Short: "Runwatch - execution telemetry reconciliation for agent workflow runs",
		Long: `Runwatch - execution telemetry reconciliation for agent workflow runs

Runwatch polls a job execution service for run state and trace events,
reconciles them into per-task status, and serves the consolidated session
view over HTTP. Push notifications from the job service are accepted on
the same server and converge with polling.

Examples:
  runwatch                                   # Watch with config from the environment
  runwatch watch --session support-triage
  runwatch replay support-triage             # Print a session's archived messages
  runwatch sessions                          # List archived sessions`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "runwatch version "+version)
				return err
			}
			return runWatch(cmd, sessionID)
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	cmd.Flags().StringVar(&sessionID, "session", "default", "Session id to bind")

	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newReplayCommand())
	cmd.AddCommand(newSessionsCommand())

	return cmd
}
