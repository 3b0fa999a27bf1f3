package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amaumene/tvcatalog/internal/config"
	"github.com/amaumene/tvcatalog/internal/controllers"
	"github.com/amaumene/tvcatalog/internal/metrics"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RunStats summarizes one scheduler pass
type RunStats struct {
	RunID   string
	Kind    string
	Updated int
	Failed  int
	Skipped int // held back by the error tracker

	WorkItemsQueued int
	Refresh         controllers.RefreshResult
	Ingest          *controllers.IngestResult
}

// Scheduler runs passes in one of the run modes. Passes never overlap.
type Scheduler struct {
	db       *models.Database
	provider controllers.MetadataProvider
	refresh  *controllers.RefreshController
	tracker  *controllers.Tracker
	ingest   *controllers.IngestController // nil when no DVR is configured
	cfg      *config.Config
	logger   *logrus.Logger

	mu sync.Mutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	db *models.Database,
	provider controllers.MetadataProvider,
	refresh *controllers.RefreshController,
	tracker *controllers.Tracker,
	ingest *controllers.IngestController,
	cfg *config.Config,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		db:       db,
		provider: provider,
		refresh:  refresh,
		tracker:  tracker,
		ingest:   ingest,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one pass in the given mode and persists its SyncRun.
// A panic inside the pass ends the run with a recorded error.
func (s *Scheduler) Run(ctx context.Context, mode RunMode) (*RunStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &models.SyncRun{
		RunID:     uuid.NewString(),
		Kind:      mode.Kind(),
		StartedAt: s.db.Now(),
	}
	if err := s.db.CreateSyncRun(run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"kind":   run.Kind,
	})
	log.Info("Starting pass")

	stats := &RunStats{RunID: run.RunID, Kind: run.Kind}
	start := time.Now()
	passErr := s.execute(ctx, mode, run, stats, log)

	finishedAt := s.db.Now()
	run.FinishedAt = &finishedAt
	run.Updated = stats.Updated
	run.Failed = stats.Failed
	run.Succeeded = passErr == nil
	if passErr != nil {
		run.Error = passErr.Error()
	}
	if err := s.db.UpdateSyncRun(run); err != nil {
		log.WithError(err).Error("Failed to persist sync run")
		passErr = errors.Join(passErr, err)
	}

	result := "success"
	if passErr != nil {
		result = "failure"
	}
	metrics.SyncRuns.WithLabelValues(run.Kind, result).Inc()
	metrics.SyncRunDuration.WithLabelValues(run.Kind).Observe(time.Since(start).Seconds())

	entry := log.WithFields(logrus.Fields{
		"updated": stats.Updated,
		"failed":  stats.Failed,
		"skipped": stats.Skipped,
	})
	if passErr != nil {
		entry.WithError(passErr).Error("Pass failed")
	} else {
		entry.Info("Pass completed")
	}

	return stats, passErr
}

func (s *Scheduler) execute(ctx context.Context, mode RunMode, run *models.SyncRun, stats *RunStats, log *logrus.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()

	switch m := mode.(type) {
	case Full:
		return s.runFull(ctx, stats, log)
	case Smart:
		return s.runSmart(ctx, stats, log)
	case SingleSeries:
		return s.runSingleSeries(ctx, m.SeriesID, stats, log)
	case Quick:
		return s.runQuick(ctx, stats, log)
	case RecentChanges:
		return s.runRecentChanges(ctx, run, stats, log)
	case SanitySweep:
		return s.runSanitySweep(ctx, stats, log)
	case EpisodeMatch:
		return s.runEpisodeMatch(ctx, stats, log)
	case Ingest:
		return s.runIngest(ctx, stats, log)
	default:
		return fmt.Errorf("unsupported run mode %T", mode)
	}
}

func (s *Scheduler) runFull(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	series, err := s.db.GetActiveSeries()
	if err != nil {
		return fmt.Errorf("failed to get active series: %w", err)
	}
	return s.processAll(ctx, series, stats, log, nil)
}

// runSmart processes, in order: new and freshly confirmed series, recently errored
// series, series whose backoff expired, then the episode-match sweep
func (s *Scheduler) runSmart(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	seen := make(map[uint64]bool)

	var firstPass []*models.Series
	for _, status := range []models.SeriesStatus{models.SeriesNew, models.SeriesMatchConfirmed} {
		series, err := s.db.GetSeriesByStatus(status)
		if err != nil {
			return fmt.Errorf("failed to get %s series: %w", status, err)
		}
		firstPass = append(firstPass, series...)
	}
	log.WithField("count", len(firstPass)).Info("Smart pass: first pass")
	if err := s.processAll(ctx, firstPass, stats, log, seen); err != nil {
		return err
	}

	recent, err := s.tracker.SelectRecentlyErrored()
	if err != nil {
		return err
	}
	log.WithField("count", len(recent)).Info("Smart pass: recently errored")
	if err := s.processAll(ctx, recent, stats, log, seen); err != nil {
		return err
	}

	cooled, err := s.tracker.SelectCooledDown(s.db.Now())
	if err != nil {
		return err
	}
	log.WithField("count", len(cooled)).Info("Smart pass: old errors")
	if err := s.processAll(ctx, cooled, stats, log, seen); err != nil {
		return err
	}

	return s.runEpisodeMatch(ctx, stats, log)
}

func (s *Scheduler) runSingleSeries(ctx context.Context, seriesID uint64, stats *RunStats, log *logrus.Entry) error {
	series, err := s.db.GetSeriesByID(seriesID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.ConfigurationInvariantViolation{
			SeriesID: seriesID,
			Reason:   "series does not exist",
		}
	}
	if err != nil {
		return fmt.Errorf("failed to get series %d: %w", seriesID, err)
	}

	// An explicit request bypasses the backoff
	s.processSeries(ctx, series, stats, log)
	return nil
}

func (s *Scheduler) runQuick(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	series, err := s.db.GetSeriesByStatus(models.SeriesMatchConfirmed)
	if err != nil {
		return fmt.Errorf("failed to get confirmed series: %w", err)
	}
	return s.processAll(ctx, series, stats, log, nil)
}

func (s *Scheduler) runSanitySweep(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	series, err := s.tracker.SelectStaleHealthy(s.db.Now())
	if err != nil {
		return err
	}
	log.WithField("count", len(series)).Info("Sanity sweep: stale series")
	return s.processAll(ctx, series, stats, log, nil)
}

// runEpisodeMatch matches unmatched recordings against the stored episodes of their
// matched series
func (s *Scheduler) runEpisodeMatch(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	recordings, err := s.db.GetUnmatchedRecordings()
	if err != nil {
		return fmt.Errorf("failed to get unmatched recordings: %w", err)
	}

	var order []uint64
	bySeries := make(map[uint64]*models.Recording)
	for _, rec := range recordings {
		if _, ok := bySeries[rec.SeriesID]; !ok {
			order = append(order, rec.SeriesID)
			bySeries[rec.SeriesID] = rec
		}
	}

	for _, seriesID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		series, err := s.db.GetSeriesByID(seriesID)
		if errors.Is(err, models.ErrNotFound) {
			s.recordError(stats, nil, &models.ConfigurationInvariantViolation{
				RecordingID: bySeries[seriesID].ID,
				SeriesID:    seriesID,
				Reason:      "recording references a series that no longer exists",
			}, log)
			stats.Failed++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to get series %d: %w", seriesID, err)
		}
		if !series.Status.IsMatched() {
			continue
		}

		result, err := s.refresh.MatchSeriesRecordings(ctx, series)
		stats.Refresh.Merge(result)
		if err != nil {
			s.recordError(stats, series, err, log)
			stats.Failed++
			continue
		}
		if result.RecordingsLinked > 0 {
			stats.Updated++
		}
	}

	return nil
}

func (s *Scheduler) runIngest(ctx context.Context, stats *RunStats, log *logrus.Entry) error {
	if s.ingest == nil {
		return errors.New("DVR ingest is not configured")
	}

	result, err := s.ingest.Ingest(ctx)
	stats.Ingest = &result
	if err != nil {
		return err
	}

	stats.Updated = result.Created + result.Updated + result.Retired
	for _, violation := range result.Violations {
		s.recordError(stats, nil, violation, log)
		stats.Failed++
	}
	return nil
}

// processAll refreshes each series in turn, skipping excluded ones and any id already in seen
func (s *Scheduler) processAll(ctx context.Context, series []*models.Series, stats *RunStats, log *logrus.Entry, seen map[uint64]bool) error {
	for _, sr := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen != nil {
			if seen[sr.ID] {
				continue
			}
			seen[sr.ID] = true
		}
		if s.tracker.Excluded(sr, s.db.Now()) {
			log.WithFields(logrus.Fields{
				"series_id": sr.ID,
				"errors":    sr.ConsecutiveErrors,
			}).Debug("Series held back by error backoff")
			stats.Skipped++
			continue
		}
		s.processSeries(ctx, sr, stats, log)
	}
	return nil
}

// processSeries refreshes one series and records the outcome. Failures stay at
// series granularity and never abort the pass.
func (s *Scheduler) processSeries(ctx context.Context, series *models.Series, stats *RunStats, log *logrus.Entry) {
	seriesLog := log.WithFields(logrus.Fields{
		"series_id": series.ID,
		"title":     series.Title,
	})

	result, err := s.refresh.RefreshSeries(ctx, series)
	stats.Refresh.Merge(result)
	if err != nil {
		seriesLog.WithError(err).Warn("Series refresh failed")
		stats.Failed++
		metrics.SeriesRefreshes.WithLabelValues("failure").Inc()
		s.recordError(stats, series, err, seriesLog)
		if err := s.tracker.RecordFailure(series, s.db.Now()); err != nil {
			seriesLog.WithError(err).Error("Failed to record series failure")
		}
		return
	}

	stats.Updated++
	metrics.SeriesRefreshes.WithLabelValues("success").Inc()
	if err := s.tracker.RecordSuccess(series); err != nil {
		seriesLog.WithError(err).Error("Failed to record series success")
	}

	items, err := s.db.GetUnprocessedWorkItems(series.ID)
	if err != nil {
		seriesLog.WithError(err).Error("Failed to get work items")
		return
	}
	if len(items) > 0 {
		if err := s.db.MarkWorkItemsProcessed(items, s.db.Now()); err != nil {
			seriesLog.WithError(err).Error("Failed to mark work items processed")
		}
	}
}

// recordError persists a structured error record for the failure
func (s *Scheduler) recordError(stats *RunStats, series *models.Series, err error, log *logrus.Entry) {
	record := &models.ErrorRecord{
		RunID:   stats.RunID,
		Kind:    models.ClassifyError(err),
		Message: err.Error(),
	}
	if series != nil {
		record.SeriesID = series.ID
	}

	var integrity *models.DataIntegrityError
	if errors.As(err, &integrity) {
		record.EpisodeID = integrity.EpisodeID
		if record.SeriesID == 0 {
			record.SeriesID = integrity.SeriesID
		}
	}
	var violation *models.ConfigurationInvariantViolation
	if errors.As(err, &violation) {
		record.RecordingID = violation.RecordingID
		if record.SeriesID == 0 {
			record.SeriesID = violation.SeriesID
		}
	}

	if err := s.db.CreateErrorRecord(record); err != nil {
		log.WithError(err).Error("Failed to persist error record")
		return
	}
	metrics.ErrorRecords.WithLabelValues(string(record.Kind)).Inc()
}
