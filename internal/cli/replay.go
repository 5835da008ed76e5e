package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewdeck/runwatch/internal/config"
	"github.com/crewdeck/runwatch/internal/store"
)

func newReplayCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Print a session's archived messages in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Archive database path (defaults to the configured one)")
	return cmd
}

func runReplay(cmd *cobra.Command, sessionID, dbPath string) error {
	archive, err := openArchive(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	ctx := cmd.Context()
	msgs, err := archive.ReplaySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to replay session %s: %w", sessionID, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no archived messages for session %s", sessionID)
	}

	if label, err := archive.SessionLabel(ctx, sessionID); err == nil && label != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# %s (%s)\n", label, sessionID)
	}
	for _, msg := range msgs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  [%s]  %s\n",
			msg.Timestamp.Format("2006-01-02 15:04:05"), msg.Type, msg.Content)
	}
	return nil
}

// openArchive opens the archive at the given path, falling back to the
// configured one.
func openArchive(dbPath string) (*store.Archive, error) {
	if dbPath == "" {
		cfg, err := config.New()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		dbPath = cfg.Archive.Path
	}
	archive, err := store.NewArchive(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive at %s: %w", dbPath, err)
	}
	return archive, nil
}
