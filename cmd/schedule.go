package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// scheduleCmd ingests the watched snapshot file whenever it changes.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Periodically ingest the watched snapshot file",
	Long: `Checks snapshot.watch_path on the snapshot.schedule cron expression and
ingests the file when its modification time is newer than the latest namespace.
A namespace whose changes were not fully processed is resumed first.`,
	RunE: runSchedule,
}

func init() {
	RootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Snapshot.WatchPath == "" {
		return errors.New("snapshot.watch_path is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Snapshot.Archive {
		a.ensureBucket(ctx)
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc(a.cfg.Snapshot.Schedule, func() {
		if err := a.tick(ctx); err != nil {
			a.logger.Error("Scheduled ingestion failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid snapshot.schedule %q: %w", a.cfg.Snapshot.Schedule, err)
	}

	a.logger.Info("Watching snapshot file",
		zap.String("path", a.cfg.Snapshot.WatchPath),
		zap.String("schedule", a.cfg.Snapshot.Schedule))
	scheduler.Start()

	<-ctx.Done()
	a.logger.Info("Stopping scheduler...")
	<-scheduler.Stop().Done()
	return nil
}

// tick runs one scheduled check of the watched file.
func (a *app) tick(ctx context.Context) error {
	namespaces := a.engine.Store()
	latest, err := namespaces.Latest(ctx)
	if err != nil {
		return err
	}
	if latest != nil && !latest.Drained() {
		a.logger.Info("Resuming pending changes", zap.String("namespace", latest.Name))
		if _, err := a.drain(ctx, latest.Name, 0); err != nil {
			return err
		}
	}

	info, err := os.Stat(a.cfg.Snapshot.WatchPath)
	if err != nil {
		return fmt.Errorf("failed to stat watched snapshot: %w", err)
	}
	modified := info.ModTime().UTC().Truncate(time.Second)
	if latest != nil && !modified.After(latest.ImportedAt.UTC()) {
		a.logger.Debug("Snapshot unchanged", zap.Time("modified", modified))
		return nil
	}

	cycle, err := a.engine.RunFile(ctx, a.cfg.Snapshot.WatchPath, false)
	if err != nil {
		return err
	}
	printCycle(a.logger, cycle)
	_, err = a.drain(ctx, cycle.Namespace.Name, 0)
	return err
}
