package models

import "time"

// Recording is a program instance captured by the DVR
type Recording struct {
	ID         uint64 `boltholdKey:"ID"`
	ExternalID string `boltholdIndex:"ExternalID"` // DVR program id

	SeriesID     uint64 `boltholdIndex:"SeriesID"`
	SeriesTitle  string
	EpisodeTitle *string
	EpisodeCode  *int // legacy combined season/episode number
	CapturedAt   *time.Time

	Status             RecordingStatus `boltholdIndex:"Status"`
	EpisodeID          *uint64         // the one active link to a canonical episode
	SuggestedEpisodeID *uint64

	// DVR presence tracking
	InDVR         bool
	LastSeenInDVR time.Time

	Retired   bool
	RetiredAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTitle reports whether the recording carries a usable episode title
func (r *Recording) HasTitle() bool {
	return r.EpisodeTitle != nil && *r.EpisodeTitle != ""
}

// LinkedTo reports whether the recording is linked to the given episode
func (r *Recording) LinkedTo(episodeID uint64) bool {
	return r.EpisodeID != nil && *r.EpisodeID == episodeID
}
