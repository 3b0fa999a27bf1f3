package controllers

import (
	"context"
	"fmt"

	"github.com/amaumene/tvcatalog/internal/metrics"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/sirupsen/logrus"
)

// ReconcilerController repairs canonical episodes the provider duplicated
type ReconcilerController struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewReconcilerController creates a new reconciler controller
func NewReconcilerController(db *models.Database, logger *logrus.Logger) *ReconcilerController {
	return &ReconcilerController{
		db:     db,
		logger: logger,
	}
}

// pickSurvivor returns the most recently created episode, the highest ID winning ties
func pickSurvivor(dups []*models.Episode) *models.Episode {
	survivor := dups[0]
	for _, ep := range dups[1:] {
		if ep.CreatedAt.After(survivor.CreatedAt) ||
			(ep.CreatedAt.Equal(survivor.CreatedAt) && ep.ID > survivor.ID) {
			survivor = ep
		}
	}
	return survivor
}

// ReconcileDuplicates keeps the newest of a set of episodes sharing one
// (series, season, number) slot. The single recording linked anywhere in the set
// moves to the survivor and the other episodes are retired. When more than one
// recording is linked across the set nothing is changed and a DataIntegrityError
// is returned.
func (c *ReconcilerController) ReconcileDuplicates(ctx context.Context, dups []*models.Episode) (*models.Episode, error) {
	if len(dups) == 0 {
		return nil, fmt.Errorf("empty duplicate set")
	}
	if len(dups) == 1 {
		return dups[0], nil
	}

	key := dups[0].Key()
	seriesID := dups[0].SeriesID
	ids := make([]uint64, 0, len(dups))
	for _, ep := range dups {
		if ep.SeriesID != seriesID || ep.Key() != key {
			return nil, &models.DataIntegrityError{
				SeriesID:  seriesID,
				EpisodeID: ep.ID,
				Reason:    fmt.Sprintf("episode %d does not belong to duplicate slot S%02dE%02d", ep.ID, key.Season, key.Number),
			}
		}
		ids = append(ids, ep.ID)
	}

	survivor := pickSurvivor(dups)

	log := c.logger.WithFields(logrus.Fields{
		"series_id":   seriesID,
		"season":      key.Season,
		"episode":     key.Number,
		"survivor_id": survivor.ID,
		"duplicates":  len(dups),
	})

	linked, err := c.db.GetRecordingsLinkedTo(ids, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get recordings linked to duplicates: %w", err)
	}
	if len(linked) > 1 {
		metrics.DuplicatesReconciled.WithLabelValues("conflict").Inc()
		return nil, &models.DataIntegrityError{
			SeriesID:  seriesID,
			EpisodeID: survivor.ID,
			Reason: fmt.Sprintf("%d recordings linked across duplicates of S%02dE%02d",
				len(linked), key.Season, key.Number),
		}
	}

	// Retired recordings may still point at a duplicate
	attached, err := c.db.GetRecordingsLinkedTo(ids, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get recordings linked to duplicates: %w", err)
	}

	now := c.db.Now()
	err = c.db.Update(func(tx *models.Tx) error {
		if len(linked) == 1 && !linked[0].LinkedTo(survivor.ID) {
			rec := linked[0]
			for _, same := range attached {
				if same.ID == rec.ID {
					rec = same
				}
			}
			survivorID := survivor.ID
			rec.EpisodeID = &survivorID
			rec.SuggestedEpisodeID = nil
			rec.Status = models.RecordingMatchCompleted
			if err := tx.UpdateRecording(rec); err != nil {
				return fmt.Errorf("failed to relink recording %d: %w", rec.ID, err)
			}
			log.WithField("recording_id", rec.ID).Info("Relinked recording to surviving episode")
		}

		for _, ep := range dups {
			if ep.ID == survivor.ID {
				continue
			}

			for _, rec := range attached {
				if rec.LinkedTo(survivor.ID) || !rec.LinkedTo(ep.ID) || rec.Retired {
					continue
				}
				retiredAt := now
				rec.Retired = true
				rec.RetiredAt = &retiredAt
				if err := tx.UpdateRecording(rec); err != nil {
					return fmt.Errorf("failed to retire recording %d: %w", rec.ID, err)
				}
			}

			if ep.Retired {
				continue
			}
			ep.Retired = true
			if err := tx.UpdateEpisode(ep); err != nil {
				return fmt.Errorf("failed to retire episode %d: %w", ep.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("Reconciled duplicate episodes")
	metrics.DuplicatesReconciled.WithLabelValues("reconciled").Inc()

	return survivor, nil
}
