package controllers

import (
	"context"
	"fmt"
	"sort"

	"github.com/amaumene/tvcatalog/internal/metrics"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/sirupsen/logrus"
)

// MatchResult is the outcome of matching one recording: Linked, NeedsConfirmation or NoPossibleMatch
type MatchResult interface {
	isMatchResult()
}

// Linked means the recording is now linked to Episode
type Linked struct {
	Episode *models.Episode
}

// NeedsConfirmation means ranked guesses were persisted for human review
type NeedsConfirmation struct {
	Candidates []*models.MatchCandidate
	Suggested  *models.Episode
}

// NoPossibleMatch means nothing in the series resembles the recording
type NoPossibleMatch struct{}

func (Linked) isMatchResult()            {}
func (NeedsConfirmation) isMatchResult() {}
func (NoPossibleMatch) isMatchResult()   {}

// MatcherController links DVR recordings to canonical episodes
type MatcherController struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewMatcherController creates a new matcher controller
func NewMatcherController(db *models.Database, logger *logrus.Logger) *MatcherController {
	return &MatcherController{
		db:     db,
		logger: logger,
	}
}

// candidateSets holds the exact-match sets of one recording
type candidateSets struct {
	title  []*models.Episode
	number []*models.Episode
	date   []*models.Episode
}

func (s *candidateSets) union() map[uint64]bool {
	ids := make(map[uint64]bool)
	for _, set := range [][]*models.Episode{s.title, s.number, s.date} {
		for _, ep := range set {
			ids[ep.ID] = true
		}
	}
	return ids
}

func contains(set []*models.Episode, ep *models.Episode) bool {
	for _, candidate := range set {
		if candidate.ID == ep.ID {
			return true
		}
	}
	return false
}

// MatchRecording resolves one recording against the active episodes of its series.
// Only storage failures are returned as errors.
func (c *MatcherController) MatchRecording(ctx context.Context, rec *models.Recording, episodes []*models.Episode) (MatchResult, error) {
	log := c.logger.WithFields(logrus.Fields{
		"recording_id": rec.ID,
		"series_id":    rec.SeriesID,
	})

	if !rec.HasTitle() {
		log.Debug("Recording has no episode title, no possible match")
		if rec.EpisodeID == nil && rec.Status != models.RecordingNoPossibleMatch {
			rec.Status = models.RecordingNoPossibleMatch
			if err := c.db.UpdateRecording(rec); err != nil {
				return nil, fmt.Errorf("failed to update recording %d: %w", rec.ID, err)
			}
		}
		metrics.MatchOutcomes.WithLabelValues("no_possible_match").Inc()
		return NoPossibleMatch{}, nil
	}

	active := make([]*models.Episode, 0, len(episodes))
	for _, ep := range episodes {
		if !ep.Retired {
			active = append(active, ep)
		}
	}

	sets := c.exactMatches(rec, active)

	if len(sets.title) == 1 && len(sets.union()) == 1 {
		return c.link(log, rec, sets.title[0], "title")
	}

	if len(sets.date) == 1 && contains(sets.title, sets.date[0]) {
		return c.link(log, rec, sets.date[0], "date")
	}
	if len(sets.title) == 1 && contains(sets.date, sets.title[0]) {
		return c.link(log, rec, sets.title[0], "title_and_date")
	}

	return c.rankCandidates(log, rec, active, sets)
}

// exactMatches computes the title, number and air-date candidate sets
func (c *MatcherController) exactMatches(rec *models.Recording, episodes []*models.Episode) *candidateSets {
	sets := &candidateSets{}
	title := foldTitle(*rec.EpisodeTitle)

	season, number, hasCode := 0, 0, false
	if rec.EpisodeCode != nil {
		season, number, hasCode = DecodeEpisodeCode(*rec.EpisodeCode)
	}

	for _, ep := range episodes {
		if ep.Title != "" && foldTitle(ep.Title) == title {
			sets.title = append(sets.title, ep)
		}
		if hasCode && ep.Season == season && ep.Number == number {
			sets.number = append(sets.number, ep)
		}
		if rec.CapturedAt != nil && ep.FirstAired != nil && sameDay(*rec.CapturedAt, *ep.FirstAired) {
			sets.date = append(sets.date, ep)
		}
	}

	return sets
}

// link points the recording at the episode. Re-linking an already linked recording is a no-op.
func (c *MatcherController) link(log *logrus.Entry, rec *models.Recording, ep *models.Episode, reason string) (MatchResult, error) {
	metrics.MatchOutcomes.WithLabelValues("linked").Inc()

	if rec.LinkedTo(ep.ID) && rec.Status == models.RecordingMatchCompleted {
		return Linked{Episode: ep}, nil
	}

	episodeID := ep.ID
	rec.EpisodeID = &episodeID
	rec.SuggestedEpisodeID = nil
	rec.Status = models.RecordingMatchCompleted
	if err := c.db.UpdateRecording(rec); err != nil {
		return nil, fmt.Errorf("failed to link recording %d: %w", rec.ID, err)
	}

	log.WithFields(logrus.Fields{
		"episode_id": ep.ID,
		"season":     ep.Season,
		"episode":    ep.Number,
		"reason":     reason,
	}).Info("Linked recording to episode")

	return Linked{Episode: ep}, nil
}

type scoredEpisode struct {
	episode  *models.Episode
	distance float64
}

// rankCandidates scores every episode by trigram distance and persists the best guesses
func (c *MatcherController) rankCandidates(log *logrus.Entry, rec *models.Recording, episodes []*models.Episode, sets *candidateSets) (MatchResult, error) {
	exact := sets.union()

	scored := make([]scoredEpisode, 0, len(episodes))
	for _, ep := range episodes {
		distance := NGramDistance(*rec.EpisodeTitle, ep.Title)
		if distance >= 1 && !exact[ep.ID] {
			continue
		}
		scored = append(scored, scoredEpisode{episode: ep, distance: distance})
	}

	// Ties keep episode order
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].distance < scored[j].distance })
	if len(scored) > models.MaxCandidates {
		scored = scored[:models.MaxCandidates]
	}

	kept := make(map[uint64]bool, len(scored))
	candidates := make([]*models.MatchCandidate, 0, len(scored))
	for i, s := range scored {
		candidate := &models.MatchCandidate{
			RecordingID: rec.ID,
			EpisodeID:   s.episode.ID,
			Score:       s.distance,
			Algorithm:   models.AlgorithmNGram,
			Rank:        i + 1,
		}
		if err := c.db.UpsertMatchCandidate(candidate); err != nil {
			return nil, fmt.Errorf("failed to save candidate for recording %d: %w", rec.ID, err)
		}
		kept[s.episode.ID] = true
		candidates = append(candidates, candidate)
	}

	if err := c.pruneCandidates(rec.ID, kept); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		rec.Status = models.RecordingNoPossibleMatch
		rec.SuggestedEpisodeID = nil
		if err := c.db.UpdateRecording(rec); err != nil {
			return nil, fmt.Errorf("failed to update recording %d: %w", rec.ID, err)
		}
		log.Debug("No candidate episodes for recording")
		metrics.MatchOutcomes.WithLabelValues("no_possible_match").Inc()
		return NoPossibleMatch{}, nil
	}

	suggested := scored[0].episode
	suggestedID := suggested.ID
	rec.Status = models.RecordingNeedsConfirmation
	rec.SuggestedEpisodeID = &suggestedID
	if err := c.db.UpdateRecording(rec); err != nil {
		return nil, fmt.Errorf("failed to update recording %d: %w", rec.ID, err)
	}

	log.WithFields(logrus.Fields{
		"candidates":   len(candidates),
		"suggested_id": suggestedID,
		"distance":     scored[0].distance,
	}).Info("Recording needs confirmation")
	metrics.MatchOutcomes.WithLabelValues("needs_confirmation").Inc()

	return NeedsConfirmation{Candidates: candidates, Suggested: suggested}, nil
}

// pruneCandidates deletes the recording's candidates that fell out of the kept set
func (c *MatcherController) pruneCandidates(recordingID uint64, kept map[uint64]bool) error {
	existing, err := c.db.GetMatchCandidates(recordingID)
	if err != nil {
		return fmt.Errorf("failed to get candidates of recording %d: %w", recordingID, err)
	}
	for _, candidate := range existing {
		if kept[candidate.EpisodeID] {
			continue
		}
		if err := c.db.DeleteMatchCandidate(candidate.ID); err != nil {
			return fmt.Errorf("failed to delete candidate %d: %w", candidate.ID, err)
		}
	}
	return nil
}
