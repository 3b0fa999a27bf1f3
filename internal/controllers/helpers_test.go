package controllers

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/dvr"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDB(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func timePtr(t time.Time) *time.Time { return &t }

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func createSeries(t *testing.T, db *models.Database, series *models.Series) *models.Series {
	t.Helper()
	if err := db.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries() error = %v", err)
	}
	return series
}

func createEpisode(t *testing.T, db *models.Database, seriesID uint64, season, number int, title string, aired *time.Time) *models.Episode {
	t.Helper()
	ep := &models.Episode{
		ProviderID: fmt.Sprintf("%d-%d-%d-%s", seriesID, season, number, title),
		SeriesID:   seriesID,
		Season:     season,
		Number:     number,
		Title:      title,
		FirstAired: aired,
	}
	if err := db.CreateEpisode(ep); err != nil {
		t.Fatalf("CreateEpisode() error = %v", err)
	}
	return ep
}

func createRecording(t *testing.T, db *models.Database, rec *models.Recording) *models.Recording {
	t.Helper()
	if rec.Status == "" {
		rec.Status = models.RecordingUnmatched
	}
	if err := db.CreateRecording(rec); err != nil {
		t.Fatalf("CreateRecording() error = %v", err)
	}
	return rec
}

func reloadRecording(t *testing.T, db *models.Database, id uint64) *models.Recording {
	t.Helper()
	rec, err := db.GetRecordingByID(id)
	if err != nil {
		t.Fatalf("GetRecordingByID(%d) error = %v", id, err)
	}
	return rec
}

func reloadEpisode(t *testing.T, db *models.Database, id uint64) *models.Episode {
	t.Helper()
	ep, err := db.GetEpisodeByID(id)
	if err != nil {
		t.Fatalf("GetEpisodeByID(%d) error = %v", id, err)
	}
	return ep
}

func reloadSeries(t *testing.T, db *models.Database, id uint64) *models.Series {
	t.Helper()
	series, err := db.GetSeriesByID(id)
	if err != nil {
		t.Fatalf("GetSeriesByID(%d) error = %v", id, err)
	}
	return series
}

// fakeProvider is an in-memory MetadataProvider
type fakeProvider struct {
	search    map[string][]tvdb.SeriesResult
	searchErr error
	queries   []string

	series   map[string]*tvdb.SeriesDetail
	episodes map[string][]tvdb.EpisodeRecord
	deleted  map[string]bool
	updates  []tvdb.Update

	fail error
}

func (p *fakeProvider) SearchSeries(ctx context.Context, key string) ([]tvdb.SeriesResult, error) {
	p.queries = append(p.queries, key)
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return p.search[key], nil
}

func (p *fakeProvider) GetSeries(ctx context.Context, providerID string) (*tvdb.SeriesDetail, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	detail, ok := p.series[providerID]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", providerID, tvdb.ErrNotFound)
	}
	return detail, nil
}

func (p *fakeProvider) GetSeriesEpisodes(ctx context.Context, providerID string) ([]tvdb.EpisodeRecord, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	return p.episodes[providerID], nil
}

func (p *fakeProvider) GetEpisode(ctx context.Context, providerID string) (*tvdb.EpisodeRecord, error) {
	if p.deleted[providerID] {
		return nil, fmt.Errorf("episode %s: %w", providerID, tvdb.ErrNotFound)
	}
	return &tvdb.EpisodeRecord{ProviderID: providerID}, nil
}

func (p *fakeProvider) GetUpdates(ctx context.Context, since time.Time) ([]tvdb.Update, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	return p.updates, nil
}

// fakeSource is an in-memory RecordingSource
type fakeSource struct {
	programs []dvr.Program
	err      error
}

func (s *fakeSource) ListRecordings(ctx context.Context) ([]dvr.Program, error) {
	return s.programs, s.err
}
