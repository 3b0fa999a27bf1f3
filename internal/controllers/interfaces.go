package controllers

import (
	"context"
	"time"

	"github.com/amaumene/tvcatalog/internal/services/dvr"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
)

// SeriesSearcher is the part of the metadata provider used by the Series Resolver
type SeriesSearcher interface {
	SearchSeries(ctx context.Context, key string) ([]tvdb.SeriesResult, error)
}

// MetadataProvider is the canonical metadata source
type MetadataProvider interface {
	SeriesSearcher
	GetSeries(ctx context.Context, providerID string) (*tvdb.SeriesDetail, error)
	GetSeriesEpisodes(ctx context.Context, providerID string) ([]tvdb.EpisodeRecord, error)
	GetEpisode(ctx context.Context, providerID string) (*tvdb.EpisodeRecord, error)
	GetUpdates(ctx context.Context, since time.Time) ([]tvdb.Update, error)
}

// RecordingSource lists the recordings currently held by the DVR
type RecordingSource interface {
	ListRecordings(ctx context.Context) ([]dvr.Program, error)
}
