package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Archive database path (defaults to the configured one)")
	return cmd
}

func runSessions(cmd *cobra.Command, dbPath string) error {
	archive, err := openArchive(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	ctx := cmd.Context()
	sessions, err := archive.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived sessions")
		return nil
	}

	for _, s := range sessions {
		label, err := archive.SessionLabel(ctx, s.SessionID)
		if err != nil {
			return err
		}
		if label != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.SessionID, label)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), s.SessionID)
		}
	}
	return nil
}
