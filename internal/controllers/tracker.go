package controllers

import (
	"fmt"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/sirupsen/logrus"
)

// Tracker keeps the per-series error counters and answers the backoff selections
type Tracker struct {
	db         *models.Database
	threshold  int
	cooldown   time.Duration
	staleAfter time.Duration
	logger     *logrus.Logger
}

// NewTracker creates a new error/backoff tracker
func NewTracker(db *models.Database, threshold int, cooldown, staleAfter time.Duration, logger *logrus.Logger) *Tracker {
	return &Tracker{
		db:         db,
		threshold:  threshold,
		cooldown:   cooldown,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// RecordSuccess clears the error state of the series
func (t *Tracker) RecordSuccess(series *models.Series) error {
	if series.ConsecutiveErrors == 0 && series.LastErrorAt == nil {
		return nil
	}

	if series.ConsecutiveErrors > 0 {
		t.logger.WithFields(logrus.Fields{
			"series_id": series.ID,
			"errors":    series.ConsecutiveErrors,
		}).Info("Series recovered")
	}

	series.ConsecutiveErrors = 0
	series.LastErrorAt = nil
	if err := t.db.UpdateSeries(series); err != nil {
		return fmt.Errorf("failed to reset error state of series %d: %w", series.ID, err)
	}
	return nil
}

// RecordFailure counts one more consecutive failure for the series
func (t *Tracker) RecordFailure(series *models.Series, now time.Time) error {
	failedAt := now
	series.ConsecutiveErrors++
	series.LastErrorAt = &failedAt

	if series.ConsecutiveErrors == t.threshold {
		t.logger.WithFields(logrus.Fields{
			"series_id": series.ID,
			"title":     series.Title,
			"errors":    series.ConsecutiveErrors,
		}).Warn("Series reached error threshold, backing off")
	}

	if err := t.db.UpdateSeries(series); err != nil {
		return fmt.Errorf("failed to record error state of series %d: %w", series.ID, err)
	}
	return nil
}

// RecentlyErrored reports a series that failed but is still below the threshold
func (t *Tracker) RecentlyErrored(series *models.Series) bool {
	return series.LastErrorAt != nil && series.ConsecutiveErrors < t.threshold
}

// CooledDownErrored reports a series at or past the threshold whose last error
// is older than the cooldown
func (t *Tracker) CooledDownErrored(series *models.Series, now time.Time) bool {
	return series.LastErrorAt != nil &&
		series.LastErrorAt.Before(now.Add(-t.cooldown)) &&
		series.ConsecutiveErrors >= t.threshold
}

// Excluded reports a series that must be skipped: at or past the threshold and not cooled down
func (t *Tracker) Excluded(series *models.Series, now time.Time) bool {
	return series.ConsecutiveErrors >= t.threshold && !t.CooledDownErrored(series, now)
}

// StaleHealthy reports an error-free matched series whose last refresh is older
// than the staleness window and that still has unresolved recordings
func (t *Tracker) StaleHealthy(series *models.Series, now time.Time) (bool, error) {
	if series.LastErrorAt != nil || series.ConsecutiveErrors > 0 || !series.Status.IsMatched() {
		return false, nil
	}
	if series.LastRefreshedAt != nil && !series.LastRefreshedAt.Before(now.Add(-t.staleAfter)) {
		return false, nil
	}

	unresolved, err := t.db.CountUnresolvedBySeries(series.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count unresolved recordings of series %d: %w", series.ID, err)
	}
	return unresolved > 0, nil
}

// SelectRecentlyErrored returns the active series in the recently-errored selection
func (t *Tracker) SelectRecentlyErrored() ([]*models.Series, error) {
	all, err := t.db.GetErroredSeries()
	if err != nil {
		return nil, fmt.Errorf("failed to get errored series: %w", err)
	}

	var selected []*models.Series
	for _, series := range all {
		if t.RecentlyErrored(series) {
			selected = append(selected, series)
		}
	}
	return selected, nil
}

// SelectCooledDown returns the active series whose backoff has expired
func (t *Tracker) SelectCooledDown(now time.Time) ([]*models.Series, error) {
	all, err := t.db.GetErroredSeries()
	if err != nil {
		return nil, fmt.Errorf("failed to get errored series: %w", err)
	}

	var selected []*models.Series
	for _, series := range all {
		if t.CooledDownErrored(series, now) {
			selected = append(selected, series)
		}
	}
	return selected, nil
}

// SelectStaleHealthy returns the active series in the stale-healthy selection
func (t *Tracker) SelectStaleHealthy(now time.Time) ([]*models.Series, error) {
	all, err := t.db.GetActiveSeries()
	if err != nil {
		return nil, fmt.Errorf("failed to get active series: %w", err)
	}

	var selected []*models.Series
	for _, series := range all {
		stale, err := t.StaleHealthy(series, now)
		if err != nil {
			return nil, err
		}
		if stale {
			selected = append(selected, series)
		}
	}
	return selected, nil
}
