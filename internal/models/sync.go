package models

import "time"

// WorkItem records that a series changed upstream and needs a refresh
type WorkItem struct {
	ID               uint64 `boltholdKey:"ID"`
	SeriesProviderID string
	SeriesID         uint64 `boltholdIndex:"SeriesID"`

	ChangedAt    time.Time
	DiscoveredAt time.Time
	ProcessedAt  *time.Time
	Processed    bool `boltholdIndex:"Processed"`
}

// SyncRun summarizes one scheduler pass
type SyncRun struct {
	ID    uint64 `boltholdKey:"ID"`
	RunID string
	Kind  string `boltholdIndex:"Kind"`

	StartedAt  time.Time
	FinishedAt *time.Time

	// Poll window of a recent-changes pass
	PollStart time.Time
	PollEnd   time.Time

	Updated   int
	Failed    int
	Succeeded bool
	Error     string
}

// ErrorRecord is a structured failure persisted for later inspection
type ErrorRecord struct {
	ID          uint64 `boltholdKey:"ID"`
	RunID       string
	Kind        ErrorKind
	SeriesID    uint64 `boltholdIndex:"SeriesID"`
	EpisodeID   uint64
	RecordingID uint64
	Message     string
	CreatedAt   time.Time
}
