package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Daemon runs recent-changes passes every poll interval and the cron-scheduled
// ingest, smart and sanity passes until ctx is cancelled
func (s *Scheduler) Daemon(ctx context.Context) error {
	s.logger.Info("Starting scheduler")

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(s.logger)),
	))

	if s.ingest != nil {
		if err := s.schedule(ctx, c, s.cfg.IngestSchedule, Ingest{}); err != nil {
			return err
		}
	}
	if err := s.schedule(ctx, c, s.cfg.SmartSchedule, Smart{}); err != nil {
		return err
	}
	if err := s.schedule(ctx, c, s.cfg.SanitySchedule, SanitySweep{}); err != nil {
		return err
	}

	c.Start()
	s.logger.Info("Scheduler started")
	defer func() {
		s.logger.Info("Stopping scheduler")
		<-c.Stop().Done()
	}()

	// Initial ingest so the first passes see current recordings
	if s.ingest != nil {
		s.runLogged(ctx, Ingest{})
	}

	for {
		s.runLogged(ctx, RecentChanges{})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Scheduler) schedule(ctx context.Context, c *cron.Cron, spec string, mode RunMode) error {
	if spec == "" {
		return nil
	}
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		s.runLogged(ctx, mode)
	})
	if err != nil {
		return fmt.Errorf("failed to add %s job: %w", mode.Kind(), err)
	}
	s.logger.WithField("schedule", spec).Infof("Scheduled %s passes", mode.Kind())
	return nil
}

// runLogged runs a pass whose outcome is already logged and persisted by Run
func (s *Scheduler) runLogged(ctx context.Context, mode RunMode) {
	if _, err := s.Run(ctx, mode); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("kind", mode.Kind()).Debug("Scheduled pass failed")
	}
}
