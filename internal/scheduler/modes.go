package scheduler

import (
	"fmt"
	"strings"
)

// RunMode selects what one scheduler pass does
type RunMode interface {
	Kind() string
}

// Full refreshes every active series
type Full struct{}

// Smart runs the first pass, the recently-errored and old-errors selections and an
// episode-match sweep, in that order
type Smart struct{}

// SingleSeries refreshes one series regardless of its backoff state
type SingleSeries struct {
	SeriesID uint64
}

// Quick refreshes the series confirmed by a human and not refreshed yet
type Quick struct{}

// RecentChanges polls the provider for changed series and refreshes them
type RecentChanges struct{}

// SanitySweep refreshes healthy series whose last refresh is stale
type SanitySweep struct{}

// EpisodeMatch runs the matcher over every unmatched recording without calling the provider
type EpisodeMatch struct{}

// Ingest mirrors the DVR recording log
type Ingest struct{}

func (Full) Kind() string          { return "full" }
func (Smart) Kind() string         { return "smart" }
func (SingleSeries) Kind() string  { return "single_series" }
func (Quick) Kind() string         { return "quick" }
func (RecentChanges) Kind() string { return "recent_changes" }
func (SanitySweep) Kind() string   { return "sanity_sweep" }
func (EpisodeMatch) Kind() string  { return "episode_match" }
func (Ingest) Kind() string        { return "ingest" }

// ParseMode maps a mode name ("recent-changes" or "recent_changes") to its RunMode
func ParseMode(name string, seriesID uint64) (RunMode, error) {
	switch strings.ReplaceAll(strings.ToLower(name), "-", "_") {
	case "full":
		return Full{}, nil
	case "smart":
		return Smart{}, nil
	case "single_series", "series":
		if seriesID == 0 {
			return nil, fmt.Errorf("mode %q requires a series id", name)
		}
		return SingleSeries{SeriesID: seriesID}, nil
	case "quick":
		return Quick{}, nil
	case "recent_changes":
		return RecentChanges{}, nil
	case "sanity_sweep", "sanity":
		return SanitySweep{}, nil
	case "episode_match":
		return EpisodeMatch{}, nil
	case "ingest":
		return Ingest{}, nil
	default:
		return nil, fmt.Errorf("unknown run mode %q", name)
	}
}
