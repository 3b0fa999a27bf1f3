package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/amaumene/tvcatalog/internal/api"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/scheduler"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tvcatalog",
		Short:         "Reconcile DVR recordings with TheTVDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newDaemonCommand(), newRunCommand(), newStatusCommand())
	return root
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Poll for changes and run scheduled passes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := api.NewServer(a.cfg, a.db, a.logger)
			serverErrChan := make(chan error, 1)
			go func() {
				if err := server.Start(ctx); err != nil {
					serverErrChan <- err
				}
			}()

			schedErrChan := make(chan error, 1)
			go func() {
				schedErrChan <- a.scheduler.Daemon(ctx)
			}()

			a.logger.Info("tvcatalog is running")

			select {
			case err := <-serverErrChan:
				stop()
				<-schedErrChan
				return err
			case err := <-schedErrChan:
				if err != nil {
					return fmt.Errorf("scheduler error: %w", err)
				}
			}

			a.logger.Info("tvcatalog stopped")
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var seriesID uint64

	cmd := &cobra.Command{
		Use:   "run <mode>",
		Short: "Run one pass: full, smart, single-series, quick, recent-changes, sanity-sweep, episode-match or ingest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := scheduler.ParseMode(args[0], seriesID)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stats, err := a.scheduler.Run(ctx, mode)
			if stats != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: %d updated, %d failed, %d skipped\n",
					stats.Kind, stats.RunID, stats.Updated, stats.Failed, stats.Skipped)
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&seriesID, "series", 0, "local series id for the single-series mode")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print backlog counts and recent passes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return printStatus(a.db, cmd.OutOrStdout())
		},
	}
}

func printStatus(db *models.Database, out io.Writer) error {
	recordings, err := db.CountRecordingsByStatus()
	if err != nil {
		return fmt.Errorf("failed to count recordings: %w", err)
	}
	series, err := db.GetActiveSeries()
	if err != nil {
		return fmt.Errorf("failed to get series: %w", err)
	}
	runs, err := db.GetRecentSyncRuns(5)
	if err != nil {
		return fmt.Errorf("failed to get sync runs: %w", err)
	}

	seriesByStatus := make(map[models.SeriesStatus]int)
	for _, s := range series {
		seriesByStatus[s.Status]++
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"series":     seriesByStatus,
		"recordings": recordings,
		"runs":       runs,
	})
}
