package controllers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/amaumene/tvcatalog/internal/metrics"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/sirupsen/logrus"
)

// ResolveResult is the outcome of resolving a local series against the provider catalog
type ResolveResult struct {
	Status     models.SeriesStatus
	Candidates []*models.SeriesCandidate
}

// ResolverController matches local series to provider series
type ResolverController struct {
	db       *models.Database
	provider SeriesSearcher
	logger   *logrus.Logger
}

// NewResolverController creates a new resolver controller
func NewResolverController(db *models.Database, provider SeriesSearcher, logger *logrus.Logger) *ResolverController {
	return &ResolverController{
		db:       db,
		provider: provider,
		logger:   logger,
	}
}

// SearchKey formats a title for the provider search: lowercased, spaces replaced by '+'
func SearchKey(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "+")
}

// ResolveSeries searches the provider for the series, persists up to five ranked
// candidates and moves the series to its next status
func (c *ResolverController) ResolveSeries(ctx context.Context, series *models.Series) (*ResolveResult, error) {
	term := series.Title
	if series.Hint != "" {
		term = series.Hint
	}
	key := SearchKey(term)
	year := strconv.Itoa(c.db.Now().Year())

	log := c.logger.WithFields(logrus.Fields{
		"series_id": series.ID,
		"title":     series.Title,
		"key":       key,
	})

	yearHits, err := c.provider.SearchSeries(ctx, key+"("+year+")")
	if err != nil {
		return nil, fmt.Errorf("failed to search series %q with year: %w", term, err)
	}

	var results []tvdb.SeriesResult
	exactHits := make(map[string]bool)
	for _, hit := range yearHits {
		if isExactYearHit(hit, term, year) {
			results = append(results, hit)
			exactHits[hit.ProviderID] = true
			break
		}
	}

	plainHits, err := c.provider.SearchSeries(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to search series %q: %w", term, err)
	}
	for _, hit := range plainHits {
		if len(results) >= models.MaxCandidates {
			break
		}
		if exactHits[hit.ProviderID] {
			continue
		}
		results = append(results, hit)
	}

	candidates := make([]*models.SeriesCandidate, 0, len(results))
	for i, hit := range results {
		candidate := &models.SeriesCandidate{
			ProviderID:   hit.ProviderID,
			Title:        hit.Name,
			Year:         hit.Year,
			Rank:         i + 1,
			Distance:     levenshtein.ComputeDistance(strings.ToLower(term), strings.ToLower(hit.Name)),
			ExactYearHit: exactHits[hit.ProviderID],
		}

		owner, err := c.otherOwner(series.ID, hit.ProviderID)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			ownerID := owner.ID
			candidate.DuplicateOfSeriesID = &ownerID
		}
		candidates = append(candidates, candidate)
	}

	if err := c.db.ReplaceSeriesCandidates(series.ID, candidates); err != nil {
		return nil, fmt.Errorf("failed to save candidates of series %d: %w", series.ID, err)
	}

	switch {
	case len(candidates) == 0 && series.Hint != "":
		series.Status = models.SeriesNeedsBetterHint
		series.MatchedCandidateID = nil
	case len(candidates) == 0:
		series.Status = models.SeriesNeedsHint
		series.MatchedCandidateID = nil
	case candidates[0].IsDuplicate():
		series.Status = models.SeriesDuplicate
		series.MatchedCandidateID = nil
	default:
		topID := candidates[0].ID
		series.Status = models.SeriesNeedsConfirmation
		series.MatchedCandidateID = &topID
	}

	if err := c.db.UpdateSeries(series); err != nil {
		return nil, fmt.Errorf("failed to update series %d: %w", series.ID, err)
	}

	log.WithFields(logrus.Fields{
		"status":     series.Status,
		"candidates": len(candidates),
	}).Info("Resolved series")
	metrics.SeriesResolutions.WithLabelValues(string(series.Status)).Inc()

	return &ResolveResult{Status: series.Status, Candidates: candidates}, nil
}

// isExactYearHit reports whether a provider name is the searched title qualified with the year
func isExactYearHit(hit tvdb.SeriesResult, term, year string) bool {
	if strings.EqualFold(hit.Name, term+" ("+year+")") {
		return true
	}
	return strings.EqualFold(hit.Name, term) && hit.Year == year
}

// otherOwner returns the local series other than seriesID already linked to providerID
func (c *ResolverController) otherOwner(seriesID uint64, providerID string) (*models.Series, error) {
	owners, err := c.db.GetSeriesByProviderID(providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up owners of provider series %s: %w", providerID, err)
	}
	for _, owner := range owners {
		if owner.ID != seriesID {
			return owner, nil
		}
	}
	return nil, nil
}
