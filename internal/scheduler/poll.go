package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amaumene/tvcatalog/internal/metrics"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/sirupsen/logrus"
)

// PollWindow returns the window of the next changed-entities poll: from the
// checkpoint minus the skew buffer up to now
func PollWindow(checkpoint, now time.Time, skew time.Duration) (start, end time.Time) {
	return checkpoint.Add(-skew), now
}

// Checkpoint returns where the next poll starts: the end of the last successful
// recent-changes window, else the newest work item discovery, else now minus the
// initial lookback
func (s *Scheduler) Checkpoint() (time.Time, error) {
	run, err := s.db.LatestSuccessfulRun(RecentChanges{}.Kind())
	if err == nil {
		return run.PollEnd, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return time.Time{}, fmt.Errorf("failed to get last recent-changes run: %w", err)
	}

	discovered, ok, err := s.db.LatestWorkItemDiscovery()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest work item: %w", err)
	}
	if ok {
		return discovered, nil
	}

	return s.db.Now().Add(-s.cfg.InitialLookback), nil
}

func (s *Scheduler) runRecentChanges(ctx context.Context, run *models.SyncRun, stats *RunStats, log *logrus.Entry) error {
	checkpoint, err := s.Checkpoint()
	if err != nil {
		return err
	}
	run.PollStart, run.PollEnd = PollWindow(checkpoint, s.db.Now(), s.cfg.SkewBuffer)

	log.WithFields(logrus.Fields{
		"poll_start": run.PollStart,
		"poll_end":   run.PollEnd,
	}).Info("Polling provider for changes")

	// Step 1: changed entities since the window start
	updates, err := s.provider.GetUpdates(ctx, run.PollStart)
	if err != nil {
		return fmt.Errorf("failed to get provider updates: %w", err)
	}

	// Step 2: queue work for matched series
	for _, update := range updates {
		queued, err := s.enqueue(update, log)
		if err != nil {
			return err
		}
		if queued {
			stats.WorkItemsQueued++
		}
	}

	// Step 3: group pending work by series
	items, err := s.db.GetPendingWorkItems(s.cfg.ErrorThreshold, s.db.Now().Add(-s.cfg.ErrorCooldown))
	if err != nil {
		return fmt.Errorf("failed to get pending work items: %w", err)
	}
	var order []uint64
	groups := make(map[uint64][]*models.WorkItem)
	for _, item := range items {
		if _, ok := groups[item.SeriesID]; !ok {
			order = append(order, item.SeriesID)
		}
		groups[item.SeriesID] = append(groups[item.SeriesID], item)
	}

	// Step 4: one refresh per series
	for _, seriesID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		series, err := s.db.GetSeriesByID(seriesID)
		if errors.Is(err, models.ErrNotFound) {
			s.recordError(stats, nil, &models.ConfigurationInvariantViolation{
				SeriesID: seriesID,
				Reason:   fmt.Sprintf("%d work items reference a series that no longer exists", len(groups[seriesID])),
			}, log)
			stats.Failed++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to get series %d: %w", seriesID, err)
		}

		// the query prefilters held-back series; the tracker has the final say
		if s.tracker.Excluded(series, s.db.Now()) {
			stats.Skipped++
			continue
		}
		s.processSeries(ctx, series, stats, log)
	}

	// Step 5: the caller persists the run; its PollEnd is the next checkpoint
	return nil
}

// enqueue creates a work item for the update unless an unprocessed item for the
// same series already covers its change time
func (s *Scheduler) enqueue(update tvdb.Update, log *logrus.Entry) (bool, error) {
	candidates, err := s.db.GetSeriesByProviderID(update.SeriesProviderID)
	if err != nil {
		return false, fmt.Errorf("failed to look up provider series %s: %w", update.SeriesProviderID, err)
	}

	var series *models.Series
	for _, c := range candidates {
		if c.Status == models.SeriesMatchCompleted {
			series = c
			break
		}
	}
	if series == nil {
		log.WithField("provider_id", update.SeriesProviderID).Debug("Changed series is not tracked")
		return false, nil
	}

	pending, err := s.db.GetUnprocessedWorkItems(series.ID)
	if err != nil {
		return false, fmt.Errorf("failed to get work items of series %d: %w", series.ID, err)
	}
	for _, item := range pending {
		if !item.ChangedAt.Before(update.ChangedAt) {
			return false, nil
		}
	}

	item := &models.WorkItem{
		SeriesProviderID: update.SeriesProviderID,
		SeriesID:         series.ID,
		ChangedAt:        update.ChangedAt,
	}
	if err := s.db.CreateWorkItem(item); err != nil {
		return false, fmt.Errorf("failed to create work item for series %d: %w", series.ID, err)
	}
	metrics.WorkItemsQueued.Inc()

	log.WithFields(logrus.Fields{
		"series_id":  series.ID,
		"changed_at": update.ChangedAt,
	}).Debug("Queued work item")
	return true, nil
}
