package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/sirupsen/logrus"
)

// RefreshResult counts what one series refresh changed
type RefreshResult struct {
	Resolved          int
	EpisodesAdded     int
	EpisodesUpdated   int
	EpisodesRetired   int
	DuplicateSets     int
	RecordingsLinked  int
	RecordingsPending int // needs confirmation
	RecordingsNoMatch int
}

// Merge adds other into r
func (r *RefreshResult) Merge(other RefreshResult) {
	r.Resolved += other.Resolved
	r.EpisodesAdded += other.EpisodesAdded
	r.EpisodesUpdated += other.EpisodesUpdated
	r.EpisodesRetired += other.EpisodesRetired
	r.DuplicateSets += other.DuplicateSets
	r.RecordingsLinked += other.RecordingsLinked
	r.RecordingsPending += other.RecordingsPending
	r.RecordingsNoMatch += other.RecordingsNoMatch
}

// CountMatch adds one matcher outcome to the result
func (r *RefreshResult) CountMatch(result MatchResult) {
	switch result.(type) {
	case Linked:
		r.RecordingsLinked++
	case NeedsConfirmation:
		r.RecordingsPending++
	case NoPossibleMatch:
		r.RecordingsNoMatch++
	}
}

// RefreshController performs full series refreshes against the provider
type RefreshController struct {
	db         *models.Database
	provider   MetadataProvider
	resolver   *ResolverController
	matcher    *MatcherController
	reconciler *ReconcilerController
	logger     *logrus.Logger
}

// NewRefreshController creates a new refresh controller
func NewRefreshController(
	db *models.Database,
	provider MetadataProvider,
	resolver *ResolverController,
	matcher *MatcherController,
	reconciler *ReconcilerController,
	logger *logrus.Logger,
) *RefreshController {
	return &RefreshController{
		db:         db,
		provider:   provider,
		resolver:   resolver,
		matcher:    matcher,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RefreshSeries resolves an unmatched series, or for a matched one pulls every
// provider episode, reconciles duplicates and matches the unlinked recordings.
// Duplicate conflicts do not stop the refresh; they are joined into the returned error.
func (c *RefreshController) RefreshSeries(ctx context.Context, series *models.Series) (RefreshResult, error) {
	var result RefreshResult

	if !series.Status.IsMatched() {
		if _, err := c.resolver.ResolveSeries(ctx, series); err != nil {
			return result, err
		}
		result.Resolved++
		return result, nil
	}

	if series.ProviderID == "" {
		return result, &models.ConfigurationInvariantViolation{
			SeriesID: series.ID,
			Reason:   fmt.Sprintf("series is %s without a provider id", series.Status),
		}
	}

	log := c.logger.WithFields(logrus.Fields{
		"series_id":   series.ID,
		"provider_id": series.ProviderID,
		"title":       series.Title,
	})
	log.Info("Refreshing series")

	detail, err := c.provider.GetSeries(ctx, series.ProviderID)
	if err != nil {
		return result, err
	}
	series.ProviderTitle = detail.Name

	records, err := c.provider.GetSeriesEpisodes(ctx, series.ProviderID)
	if err != nil {
		return result, err
	}

	synced, err := c.syncEpisodes(ctx, series, records)
	result.Merge(synced)
	if err != nil {
		return result, err
	}

	var conflicts []error
	episodes, err := c.db.GetActiveEpisodesBySeries(series.ID)
	if err != nil {
		return result, fmt.Errorf("failed to get episodes of series %d: %w", series.ID, err)
	}
	for _, dups := range duplicateSlots(episodes) {
		if _, err := c.reconciler.ReconcileDuplicates(ctx, dups); err != nil {
			var integrity *models.DataIntegrityError
			if !errors.As(err, &integrity) {
				return result, err
			}
			log.WithError(err).Warn("Duplicate episodes need manual review")
			conflicts = append(conflicts, err)
			continue
		}
		result.DuplicateSets++
	}

	matched, err := c.MatchSeriesRecordings(ctx, series)
	result.Merge(matched)
	if err != nil {
		return result, err
	}

	now := c.db.Now()
	series.Status = models.SeriesMatchCompleted
	series.LastRefreshedAt = &now
	if err := c.db.UpdateSeries(series); err != nil {
		return result, fmt.Errorf("failed to update series %d: %w", series.ID, err)
	}

	log.WithFields(logrus.Fields{
		"added":      result.EpisodesAdded,
		"updated":    result.EpisodesUpdated,
		"retired":    result.EpisodesRetired,
		"duplicates": result.DuplicateSets,
		"linked":     result.RecordingsLinked,
	}).Info("Series refresh completed")

	return result, errors.Join(conflicts...)
}

// MatchSeriesRecordings runs the matcher over every unlinked recording of the series
func (c *RefreshController) MatchSeriesRecordings(ctx context.Context, series *models.Series) (RefreshResult, error) {
	var result RefreshResult

	episodes, err := c.db.GetActiveEpisodesBySeries(series.ID)
	if err != nil {
		return result, fmt.Errorf("failed to get episodes of series %d: %w", series.ID, err)
	}
	recordings, err := c.db.GetUnmatchedRecordingsBySeries(series.ID)
	if err != nil {
		return result, fmt.Errorf("failed to get recordings of series %d: %w", series.ID, err)
	}

	for _, rec := range recordings {
		outcome, err := c.matcher.MatchRecording(ctx, rec, episodes)
		if err != nil {
			return result, err
		}
		result.CountMatch(outcome)
	}

	return result, nil
}

// syncEpisodes upserts provider episodes and retires local ones the provider deleted
func (c *RefreshController) syncEpisodes(ctx context.Context, series *models.Series, records []tvdb.EpisodeRecord) (RefreshResult, error) {
	var result RefreshResult

	existing, err := c.db.GetEpisodesBySeries(series.ID)
	if err != nil {
		return result, fmt.Errorf("failed to get episodes of series %d: %w", series.ID, err)
	}
	byProviderID := make(map[string]*models.Episode, len(existing))
	for _, ep := range existing {
		byProviderID[ep.ProviderID] = ep
	}

	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.ProviderID] = true

		ep, ok := byProviderID[record.ProviderID]
		if !ok {
			ep = &models.Episode{ProviderID: record.ProviderID, SeriesID: series.ID}
			applyRecord(ep, record)
			if err := c.db.CreateEpisode(ep); err != nil {
				return result, fmt.Errorf("failed to create episode %s: %w", record.ProviderID, err)
			}
			byProviderID[record.ProviderID] = ep
			result.EpisodesAdded++
			continue
		}

		// Retired duplicates stay retired
		if ep.Retired || !applyRecord(ep, record) {
			continue
		}
		if err := c.db.UpdateEpisode(ep); err != nil {
			return result, fmt.Errorf("failed to update episode %d: %w", ep.ID, err)
		}
		result.EpisodesUpdated++
	}

	for _, ep := range existing {
		if ep.Retired || seen[ep.ProviderID] {
			continue
		}

		// Listings can lag; only a confirmed 404 retires the episode
		_, err := c.provider.GetEpisode(ctx, ep.ProviderID)
		if err == nil {
			continue
		}
		if !errors.Is(err, tvdb.ErrNotFound) {
			return result, err
		}
		if err := c.retireEpisode(ep); err != nil {
			return result, err
		}
		result.EpisodesRetired++
	}

	return result, nil
}

// retireEpisode retires an episode deleted upstream and returns its recordings to matching
func (c *RefreshController) retireEpisode(ep *models.Episode) error {
	linked, err := c.db.GetRecordingsLinkedTo([]uint64{ep.ID}, false)
	if err != nil {
		return fmt.Errorf("failed to get recordings of episode %d: %w", ep.ID, err)
	}

	err = c.db.Update(func(tx *models.Tx) error {
		ep.Retired = true
		if err := tx.UpdateEpisode(ep); err != nil {
			return err
		}
		for _, rec := range linked {
			rec.EpisodeID = nil
			rec.Status = models.RecordingUnmatched
			if err := tx.UpdateRecording(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to retire episode %d: %w", ep.ID, err)
	}

	c.logger.WithFields(logrus.Fields{
		"episode_id": ep.ID,
		"unlinked":   len(linked),
	}).Info("Retired episode deleted upstream")
	return nil
}

// applyRecord copies provider fields onto the episode and reports whether anything changed
func applyRecord(ep *models.Episode, record tvdb.EpisodeRecord) bool {
	changed := ep.Season != record.Season ||
		ep.Number != record.Number ||
		ep.Title != record.Title ||
		!equalIntPtr(ep.AbsoluteNumber, record.AbsoluteNumber) ||
		!equalTimePtr(ep.FirstAired, record.FirstAired)

	ep.Season = record.Season
	ep.Number = record.Number
	ep.Title = record.Title
	ep.AbsoluteNumber = record.AbsoluteNumber
	ep.FirstAired = record.FirstAired
	return changed
}

// duplicateSlots groups active episodes by (season, number) and returns the groups
// holding more than one episode, in slot order
func duplicateSlots(episodes []*models.Episode) [][]*models.Episode {
	groups := make(map[models.EpisodeKey][]*models.Episode)
	var order []models.EpisodeKey
	for _, ep := range episodes {
		key := ep.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ep)
	}

	var dups [][]*models.Episode
	for _, key := range order {
		if len(groups[key]) > 1 {
			dups = append(dups, groups[key])
		}
	}
	return dups
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
