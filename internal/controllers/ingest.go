package controllers

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/dvr"
	"github.com/amaumene/tvcatalog/internal/utils"
	"github.com/sirupsen/logrus"
)

// IngestResult counts what one DVR ingest changed
type IngestResult struct {
	Seen       int
	Created    int
	Updated    int
	Retired    int
	Ignored    int
	NewSeries  int
	Violations []error // per-recording invariant violations, the ingest carried on
}

// IngestController mirrors the DVR recording log into local recordings
type IngestController struct {
	db     *models.Database
	source RecordingSource
	ignore *utils.IgnoreList
	logger *logrus.Logger
}

// NewIngestController creates a new ingest controller
func NewIngestController(db *models.Database, source RecordingSource, ignore *utils.IgnoreList, logger *logrus.Logger) *IngestController {
	return &IngestController{
		db:     db,
		source: source,
		ignore: ignore,
		logger: logger,
	}
}

// Ingest creates and updates recordings from the DVR listing and retires the
// ones the DVR no longer reports
func (c *IngestController) Ingest(ctx context.Context) (IngestResult, error) {
	var result IngestResult
	c.logger.Info("Starting DVR ingest")

	programs, err := c.source.ListRecordings(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list DVR recordings: %w", err)
	}

	// Step 1: Mark ALL existing recordings as NOT in the DVR
	cleanupAllowed := true
	if err := c.db.MarkAllRecordingsNotInDVR(); err != nil {
		c.logger.WithError(err).Error("Failed to mark recordings as not in DVR, skipping retirement")
		cleanupAllowed = false
	}

	// Step 2: Upsert every reported program
	for _, program := range programs {
		if ignored, term := c.ignore.IsIgnored(program.SeriesTitle); ignored {
			c.logger.WithFields(logrus.Fields{
				"title": program.SeriesTitle,
				"term":  term,
			}).Debug("Ignoring DVR program")
			result.Ignored++
			continue
		}
		result.Seen++

		if err := c.upsertProgram(program, &result); err != nil {
			var violation *models.ConfigurationInvariantViolation
			if errors.As(err, &violation) {
				c.logger.WithError(err).Warn("Recording references a missing series")
				result.Violations = append(result.Violations, err)
				continue
			}
			c.logger.WithError(err).WithField("external_id", program.ExternalID).Error("Failed to ingest program")
			cleanupAllowed = false
		}
	}

	// Step 3: Retire what the DVR dropped, only when every program was recorded
	if !cleanupAllowed {
		c.logger.Warn("Skipping retirement due to ingest failures")
		return result, nil
	}

	gone, err := c.db.GetRecordingsNotInDVR()
	if err != nil {
		return result, fmt.Errorf("failed to get recordings not in DVR: %w", err)
	}
	for _, rec := range gone {
		now := c.db.Now()
		rec.Retired = true
		rec.RetiredAt = &now
		if err := c.db.UpdateRecording(rec); err != nil {
			c.logger.WithError(err).WithField("recording_id", rec.ID).Error("Failed to retire recording")
			continue
		}
		result.Retired++
	}

	c.logger.WithFields(logrus.Fields{
		"seen":       result.Seen,
		"created":    result.Created,
		"updated":    result.Updated,
		"retired":    result.Retired,
		"ignored":    result.Ignored,
		"new_series": result.NewSeries,
	}).Info("DVR ingest completed")

	return result, nil
}

// upsertProgram creates or refreshes the recording of one DVR program
func (c *IngestController) upsertProgram(program dvr.Program, result *IngestResult) error {
	now := c.db.Now()

	existing, err := c.db.GetRecordingByExternalID(program.ExternalID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to look up recording %s: %w", program.ExternalID, err)
	}

	if existing != nil {
		existing.InDVR = true
		existing.LastSeenInDVR = now
		if existing.Retired {
			existing.Retired = false
			existing.RetiredAt = nil
		}
		changed := applyProgram(existing, program)
		if err := c.db.UpdateRecording(existing); err != nil {
			return fmt.Errorf("failed to update recording %d: %w", existing.ID, err)
		}
		if changed {
			result.Updated++
		}

		if _, err := c.db.GetSeriesByID(existing.SeriesID); errors.Is(err, models.ErrNotFound) {
			return &models.ConfigurationInvariantViolation{
				RecordingID: existing.ID,
				SeriesID:    existing.SeriesID,
				Reason:      "recording references a series that no longer exists",
			}
		} else if err != nil {
			return fmt.Errorf("failed to get series %d: %w", existing.SeriesID, err)
		}
		return nil
	}

	series, err := c.seriesFor(program.SeriesTitle, result)
	if err != nil {
		return err
	}

	rec := &models.Recording{
		ExternalID:    program.ExternalID,
		SeriesID:      series.ID,
		SeriesTitle:   program.SeriesTitle,
		Status:        models.RecordingUnmatched,
		InDVR:         true,
		LastSeenInDVR: now,
	}
	applyProgram(rec, program)

	if err := c.db.CreateRecording(rec); err != nil {
		return fmt.Errorf("failed to create recording %s: %w", program.ExternalID, err)
	}
	result.Created++

	c.logger.WithFields(logrus.Fields{
		"recording_id": rec.ID,
		"series":       program.SeriesTitle,
	}).Debug("Added new recording from DVR")

	return nil
}

// seriesFor returns the local series with the given title, creating it when unknown
func (c *IngestController) seriesFor(title string, result *IngestResult) (*models.Series, error) {
	series, err := c.db.GetSeriesByTitle(title)
	if err == nil {
		return series, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up series %q: %w", title, err)
	}

	series = &models.Series{
		Title:  title,
		Status: models.SeriesNew,
	}
	if err := c.db.CreateSeries(series); err != nil {
		return nil, fmt.Errorf("failed to create series %q: %w", title, err)
	}
	result.NewSeries++

	c.logger.WithFields(logrus.Fields{
		"series_id": series.ID,
		"title":     title,
	}).Info("Added new series from DVR")

	return series, nil
}

// applyProgram copies DVR metadata onto the recording and reports whether the
// episode identity changed. An unlinked recording whose identity changed goes
// back to matching.
func applyProgram(rec *models.Recording, program dvr.Program) bool {
	changed := !equalStringPtr(rec.EpisodeTitle, program.EpisodeTitle) ||
		!equalIntPtr(rec.EpisodeCode, program.EpisodeCode) ||
		!equalTimePtr(rec.CapturedAt, program.CapturedAt)

	rec.SeriesTitle = program.SeriesTitle
	rec.EpisodeTitle = program.EpisodeTitle
	rec.EpisodeCode = program.EpisodeCode
	rec.CapturedAt = program.CapturedAt

	if changed && rec.EpisodeID == nil && rec.ID != 0 {
		rec.Status = models.RecordingUnmatched
	}
	return changed
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
