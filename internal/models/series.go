package models

import "time"

// Series is a locally known TV series and, once matched, its canonical provider record
type Series struct {
	ID    uint64 `boltholdKey:"ID"`
	Title string // title as reported by the DVR
	Hint  string // manual search hint, optional

	ProviderID    string `boltholdIndex:"ProviderID"`
	ProviderTitle string

	Status             SeriesStatus `boltholdIndex:"Status"`
	MatchedCandidateID *uint64

	// Error/backoff state
	LastErrorAt       *time.Time
	ConsecutiveErrors int

	LastRefreshedAt *time.Time
	Retired         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Episode is a canonical episode record from the metadata provider
type Episode struct {
	ID         uint64 `boltholdKey:"ID"`
	ProviderID string `boltholdIndex:"ProviderID"`
	SeriesID   uint64 `boltholdIndex:"SeriesID"`

	Season         int
	Number         int
	AbsoluteNumber *int
	Title          string
	FirstAired     *time.Time

	Retired bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpisodeKey identifies an episode slot within a series
type EpisodeKey struct {
	Season int
	Number int
}

// Key returns the (season, number) slot of the episode
func (e *Episode) Key() EpisodeKey {
	return EpisodeKey{Season: e.Season, Number: e.Number}
}
