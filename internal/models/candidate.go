package models

import "time"

// MatchCandidate is a scored guess linking a recording to a canonical episode
type MatchCandidate struct {
	ID          uint64 `boltholdKey:"ID"`
	RecordingID uint64 `boltholdIndex:"RecordingID"`
	EpisodeID   uint64

	Score     float64 // distance, lower is better
	Algorithm string
	Rank      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SeriesCandidate is a provider series proposed for a local series
type SeriesCandidate struct {
	ID         uint64 `boltholdKey:"ID"`
	SeriesID   uint64 `boltholdIndex:"SeriesID"`
	ProviderID string

	Title        string
	Year         string
	Rank         int
	Distance     int // edit distance to the searched title
	ExactYearHit bool

	DuplicateOfSeriesID *uint64

	CreatedAt time.Time
}

// IsDuplicate reports whether the candidate already belongs to another local series
func (c *SeriesCandidate) IsDuplicate() bool {
	return c.DuplicateOfSeriesID != nil
}
