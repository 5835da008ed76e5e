package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewdeck/runwatch/internal/config"
	"github.com/crewdeck/runwatch/internal/jobs"
	"github.com/crewdeck/runwatch/internal/logger"
	"github.com/crewdeck/runwatch/internal/monitor"
	"github.com/crewdeck/runwatch/internal/server"
	"github.com/crewdeck/runwatch/internal/store"
)

func newWatchCommand() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the job service and serve the session view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "default", "Session id to bind")
	return cmd
}

// runWatch wires the poller, the reconciler, and the session controller
// together and runs until interrupted.
func runWatch(cmd *cobra.Command, sessionID string) error {
	log, err := logger.NewFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetLogger(log)
	defer func() { _ = log.Sync() }()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.JobServiceURL == "" {
		return fmt.Errorf("RUNWATCH_JOB_SERVICE_URL is required")
	}
	if cfg.GroupID == "" {
		return fmt.Errorf("RUNWATCH_GROUP_ID is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := jobs.NewClient(cfg.JobServiceURL)
	sched := monitor.NewScheduler()
	registry := monitor.NewRegistry(client, cfg.GroupID, cfg.Polling, sched)
	reconciler := monitor.NewReconciler(client, cfg.Polling.TraceInterval, sched)
	messages := store.NewDedupStore()

	deps := monitor.ControllerDeps{
		Registry:   registry,
		Reconciler: reconciler,
		Messages:   messages,
		RunClient:  client,
		Scheduler:  sched,
	}

	var archive *store.Archive
	if cfg.Archive.Enabled {
		archive, err = store.NewArchive(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = archive.Close() }()
		deps.Archive = archive

		// History replay: the dedup store drops anything already present.
		archived, err := archive.ReplaySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to replay session %s: %w", sessionID, err)
		}
		messages.AppendBatch(archived)
		log.Infof("Replayed %d archived messages for session %s", len(archived), sessionID)
	}

	ctrl := monitor.NewController(sessionID, cfg.GroupID, cfg.Session, deps)
	ctrl.Start(ctx)
	defer ctrl.Stop()

	log.WithFields(map[string]interface{}{
		"session_id":      sessionID,
		"group_id":        cfg.GroupID,
		"job_service_url": cfg.JobServiceURL,
	}).Info("Watching for runs")

	if cfg.Server.Enabled {
		var archiveReads server.SessionArchive
		if archive != nil {
			archiveReads = archive
		}
		srv := server.NewServer(cfg.Server.Port, ctrl, archiveReads)
		return srv.Start(ctx)
	}

	<-ctx.Done()
	return nil
}
