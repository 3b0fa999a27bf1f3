package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amaumene/tvcatalog/internal/config"
	"github.com/amaumene/tvcatalog/internal/controllers"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/dvr"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	search    map[string][]tvdb.SeriesResult
	series    map[string]*tvdb.SeriesDetail
	episodes  map[string][]tvdb.EpisodeRecord
	updates   []tvdb.Update
	seriesErr error
	panics    bool

	since []time.Time
}

func (p *fakeProvider) SearchSeries(ctx context.Context, key string) ([]tvdb.SeriesResult, error) {
	return p.search[key], nil
}

func (p *fakeProvider) GetSeries(ctx context.Context, providerID string) (*tvdb.SeriesDetail, error) {
	if p.seriesErr != nil {
		return nil, p.seriesErr
	}
	detail, ok := p.series[providerID]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", providerID, tvdb.ErrNotFound)
	}
	return detail, nil
}

func (p *fakeProvider) GetSeriesEpisodes(ctx context.Context, providerID string) ([]tvdb.EpisodeRecord, error) {
	return p.episodes[providerID], nil
}

func (p *fakeProvider) GetEpisode(ctx context.Context, providerID string) (*tvdb.EpisodeRecord, error) {
	return &tvdb.EpisodeRecord{ProviderID: providerID}, nil
}

func (p *fakeProvider) GetUpdates(ctx context.Context, since time.Time) ([]tvdb.Update, error) {
	if p.panics {
		panic("unexpected payload")
	}
	p.since = append(p.since, since)
	return p.updates, nil
}

type fakeSource struct {
	programs []dvr.Program
}

func (s *fakeSource) ListRecordings(ctx context.Context) ([]dvr.Program, error) {
	return s.programs, nil
}

func testConfig() *config.Config {
	return &config.Config{
		ErrorThreshold:  2,
		ErrorCooldown:   7 * 24 * time.Hour,
		StaleAfter:      30 * 24 * time.Hour,
		SkewBuffer:      120 * time.Second,
		PollInterval:    time.Minute,
		InitialLookback: 24 * time.Hour,
	}
}

func newTestScheduler(t *testing.T, provider *fakeProvider, source controllers.RecordingSource) (*Scheduler, *models.Database) {
	t.Helper()

	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := testConfig()

	refresh := controllers.NewRefreshController(
		db,
		provider,
		controllers.NewResolverController(db, provider, logger),
		controllers.NewMatcherController(db, logger),
		controllers.NewReconcilerController(db, logger),
		logger,
	)
	tracker := controllers.NewTracker(db, cfg.ErrorThreshold, cfg.ErrorCooldown, cfg.StaleAfter, logger)

	var ingest *controllers.IngestController
	if source != nil {
		ingest = controllers.NewIngestController(db, source, nil, logger)
	}

	return NewScheduler(db, provider, refresh, tracker, ingest, cfg, logger), db
}

func lostProvider() *fakeProvider {
	return &fakeProvider{
		series: map[string]*tvdb.SeriesDetail{"73739": {ProviderID: "73739", Name: "Lost"}},
		episodes: map[string][]tvdb.EpisodeRecord{"73739": {
			{ProviderID: "127131", Season: 1, Number: 1, Title: "Pilot"},
			{ProviderID: "127133", Season: 1, Number: 3, Title: "Tabula Rasa"},
		}},
	}
}

func createSeries(t *testing.T, db *models.Database, series *models.Series) *models.Series {
	t.Helper()
	if err := db.CreateSeries(series); err != nil {
		t.Fatalf("CreateSeries() error = %v", err)
	}
	return series
}

func createRecording(t *testing.T, db *models.Database, seriesID uint64, title string) *models.Recording {
	t.Helper()
	rec := &models.Recording{SeriesID: seriesID, EpisodeTitle: &title, Status: models.RecordingUnmatched}
	if err := db.CreateRecording(rec); err != nil {
		t.Fatalf("CreateRecording() error = %v", err)
	}
	return rec
}

func TestPollWindow(t *testing.T) {
	skew := 120 * time.Second
	tests := []struct {
		name       string
		checkpoint time.Time
	}{
		{"epoch zero", time.Unix(0, 0).UTC()},
		{"zero time", time.Time{}},
		{"recent", testNow.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := PollWindow(tt.checkpoint, testNow, skew)
			if want := tt.checkpoint.Add(-skew); !start.Equal(want) {
				t.Errorf("start = %v, want %v", start, want)
			}
			if tt.checkpoint.Sub(start) != skew {
				t.Errorf("checkpoint - start = %v, want %v", tt.checkpoint.Sub(start), skew)
			}
			if !end.Equal(testNow) {
				t.Errorf("end = %v, want %v", end, testNow)
			}
		})
	}
}

func TestCheckpointFallback(t *testing.T) {
	sched, db := newTestScheduler(t, &fakeProvider{}, nil)

	got, err := sched.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if want := testNow.Add(-24 * time.Hour); !got.Equal(want) {
		t.Errorf("Checkpoint() without history = %v, want %v", got, want)
	}

	discovered := testNow.Add(-3 * time.Hour)
	if err := db.CreateWorkItem(&models.WorkItem{SeriesID: 1, ChangedAt: discovered, DiscoveredAt: discovered}); err != nil {
		t.Fatalf("CreateWorkItem() error = %v", err)
	}
	got, err = sched.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if !got.Equal(discovered) {
		t.Errorf("Checkpoint() from work items = %v, want %v", got, discovered)
	}

	pollEnd := testNow.Add(-time.Hour)
	finished := testNow.Add(-time.Hour)
	run := &models.SyncRun{Kind: "recent_changes", StartedAt: pollEnd, FinishedAt: &finished, PollEnd: pollEnd, Succeeded: true}
	if err := db.CreateSyncRun(run); err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}
	got, err = sched.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if !got.Equal(pollEnd) {
		t.Errorf("Checkpoint() from last run = %v, want %v", got, pollEnd)
	}
}

func TestRecentChangesRefreshesChangedSeries(t *testing.T) {
	provider := lostProvider()
	provider.updates = []tvdb.Update{
		{EntityType: "episodes", SeriesProviderID: "73739", ChangedAt: testNow.Add(-time.Hour)},
		{EntityType: "series", SeriesProviderID: "999", ChangedAt: testNow.Add(-time.Hour)},
	}
	sched, db := newTestScheduler(t, provider, nil)

	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})
	rec := createRecording(t, db, series.ID, "Tabula Rasa")

	stats, err := sched.Run(context.Background(), RecentChanges{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.WorkItemsQueued != 1 || stats.Updated != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 queued, 1 updated", stats)
	}

	wantStart := testNow.Add(-24*time.Hour - 120*time.Second)
	if len(provider.since) != 1 || !provider.since[0].Equal(wantStart) {
		t.Errorf("GetUpdates since = %v, want %v", provider.since, wantStart)
	}

	stored, err := db.GetRecordingByID(rec.ID)
	if err != nil {
		t.Fatalf("GetRecordingByID() error = %v", err)
	}
	if stored.Status != models.RecordingMatchCompleted {
		t.Errorf("recording Status = %s, want MATCH_COMPLETED", stored.Status)
	}

	pending, err := db.GetUnprocessedWorkItems(series.ID)
	if err != nil {
		t.Fatalf("GetUnprocessedWorkItems() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d unprocessed work items, want 0", len(pending))
	}

	run, err := db.LatestSuccessfulRun("recent_changes")
	if err != nil {
		t.Fatalf("LatestSuccessfulRun() error = %v", err)
	}
	if !run.PollStart.Equal(wantStart) || !run.PollEnd.Equal(testNow) {
		t.Errorf("run window = [%v, %v], want [%v, %v]", run.PollStart, run.PollEnd, wantStart, testNow)
	}
	if run.Updated != 1 || run.RunID != stats.RunID {
		t.Errorf("run = %+v, want updated 1 and run id %s", run, stats.RunID)
	}

	// The next pass starts from the persisted checkpoint
	if _, err := sched.Run(context.Background(), RecentChanges{}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if want := testNow.Add(-120 * time.Second); !provider.since[1].Equal(want) {
		t.Errorf("second GetUpdates since = %v, want %v", provider.since[1], want)
	}
}

func TestRecentChangesRetriesCooledDownSeries(t *testing.T) {
	sched, db := newTestScheduler(t, lostProvider(), nil)

	cooled := testNow.Add(-8 * 24 * time.Hour)
	recent := testNow.Add(-24 * time.Hour)
	lost := createSeries(t, db, &models.Series{
		Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739",
		ConsecutiveErrors: 2, LastErrorAt: &cooled,
	})
	heldBack := createSeries(t, db, &models.Series{
		Title: "Fringe", Status: models.SeriesMatchCompleted, ProviderID: "82066",
		ConsecutiveErrors: 2, LastErrorAt: &recent,
	})
	for _, seriesID := range []uint64{lost.ID, heldBack.ID} {
		if err := db.CreateWorkItem(&models.WorkItem{SeriesID: seriesID, ChangedAt: recent}); err != nil {
			t.Fatalf("CreateWorkItem() error = %v", err)
		}
	}

	stats, err := sched.Run(context.Background(), RecentChanges{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Updated != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want only the cooled-down series refreshed", stats)
	}

	stored, err := db.GetSeriesByID(lost.ID)
	if err != nil {
		t.Fatalf("GetSeriesByID() error = %v", err)
	}
	if stored.ConsecutiveErrors != 0 || stored.LastErrorAt != nil {
		t.Errorf("error state = %d, %v, want reset", stored.ConsecutiveErrors, stored.LastErrorAt)
	}

	for _, tt := range []struct {
		seriesID uint64
		want     int
	}{
		{lost.ID, 0},
		{heldBack.ID, 1},
	} {
		pending, err := db.GetUnprocessedWorkItems(tt.seriesID)
		if err != nil {
			t.Fatalf("GetUnprocessedWorkItems() error = %v", err)
		}
		if len(pending) != tt.want {
			t.Errorf("series %d has %d unprocessed work items, want %d", tt.seriesID, len(pending), tt.want)
		}
	}
}

func TestRecentChangesIdempotentQueueAndBackoff(t *testing.T) {
	provider := lostProvider()
	provider.seriesErr = &models.TransientProviderError{Op: "GET /series/73739", StatusCode: 503}
	provider.updates = []tvdb.Update{{EntityType: "series", SeriesProviderID: "73739", ChangedAt: testNow.Add(-time.Hour)}}
	sched, db := newTestScheduler(t, provider, nil)

	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})

	wantQueued := []int{1, 0, 0}
	wantFailed := []int{1, 1, 0}
	for i := range wantQueued {
		stats, err := sched.Run(context.Background(), RecentChanges{})
		if err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
		if stats.WorkItemsQueued != wantQueued[i] || stats.Failed != wantFailed[i] {
			t.Errorf("Run() #%d queued = %d, failed = %d, want %d and %d",
				i+1, stats.WorkItemsQueued, stats.Failed, wantQueued[i], wantFailed[i])
		}
	}

	stored, err := db.GetSeriesByID(series.ID)
	if err != nil {
		t.Fatalf("GetSeriesByID() error = %v", err)
	}
	if stored.ConsecutiveErrors != 2 {
		t.Errorf("ConsecutiveErrors = %d, want 2", stored.ConsecutiveErrors)
	}

	pending, err := db.GetUnprocessedWorkItems(series.ID)
	if err != nil {
		t.Fatalf("GetUnprocessedWorkItems() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d unprocessed work items, want the one retried item", len(pending))
	}

	records, err := db.GetErrorRecordsBySeries(series.ID)
	if err != nil {
		t.Fatalf("GetErrorRecordsBySeries() error = %v", err)
	}
	var kinds []models.ErrorKind
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	want := []models.ErrorKind{models.ErrorKindTransientProvider, models.ErrorKindTransientProvider}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("error record kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRecordsFailedPass(t *testing.T) {
	sched, db := newTestScheduler(t, &fakeProvider{}, nil)

	_, err := sched.Run(context.Background(), SingleSeries{SeriesID: 999})
	if models.ClassifyError(err) != models.ErrorKindConfigurationInvariant {
		t.Fatalf("Run() error = %v, want configuration invariant violation", err)
	}

	runs, err := db.GetRecentSyncRuns(1)
	if err != nil {
		t.Fatalf("GetRecentSyncRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Succeeded || runs[0].Error == "" || runs[0].FinishedAt == nil || runs[0].Kind != "single_series" {
		t.Errorf("run = %+v, want a finished failed single_series run", runs[0])
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	sched, db := newTestScheduler(t, &fakeProvider{panics: true}, nil)

	_, err := sched.Run(context.Background(), RecentChanges{})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Run() error = %v, want a recovered panic", err)
	}

	if _, err := db.LatestSuccessfulRun("recent_changes"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("a panicked pass must not advance the checkpoint, err = %v", err)
	}
	runs, err := db.GetRecentSyncRuns(1)
	if err != nil {
		t.Fatalf("GetRecentSyncRuns() error = %v", err)
	}
	if len(runs) != 1 || !strings.Contains(runs[0].Error, "unexpected payload") {
		t.Errorf("runs = %+v, want the panic recorded", runs)
	}
}

func TestSmartPass(t *testing.T) {
	provider := lostProvider()
	provider.series["75397"] = &tvdb.SeriesDetail{ProviderID: "75397", Name: "Alias"}
	provider.search = map[string][]tvdb.SeriesResult{
		"fringe": {{ProviderID: "82066", Name: "Fringe", Year: "2008"}},
	}
	sched, db := newTestScheduler(t, provider, nil)

	newSeries := createSeries(t, db, &models.Series{Title: "Fringe", Status: models.SeriesNew})
	confirmed := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchConfirmed, ProviderID: "73739"})
	failedAt := testNow.Add(-time.Hour)
	errored := createSeries(t, db, &models.Series{
		Title:             "Alias",
		Status:            models.SeriesMatchCompleted,
		ProviderID:        "75397",
		ConsecutiveErrors: 1,
		LastErrorAt:       &failedAt,
	})
	heldBack := createSeries(t, db, &models.Series{
		Title:             "Heroes",
		Status:            models.SeriesMatchCompleted,
		ProviderID:        "79501",
		ConsecutiveErrors: 2,
		LastErrorAt:       &failedAt,
	})
	rec := createRecording(t, db, confirmed.ID, "Pilot")

	stats, err := sched.Run(context.Background(), Smart{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Updated != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 3 updated", stats)
	}

	want := map[uint64]models.SeriesStatus{
		newSeries.ID: models.SeriesNeedsConfirmation,
		confirmed.ID: models.SeriesMatchCompleted,
		errored.ID:   models.SeriesMatchCompleted,
	}
	for id, status := range want {
		s, err := db.GetSeriesByID(id)
		if err != nil {
			t.Fatalf("GetSeriesByID(%d) error = %v", id, err)
		}
		if s.Status != status {
			t.Errorf("series %q Status = %s, want %s", s.Title, s.Status, status)
		}
	}

	recovered, _ := db.GetSeriesByID(errored.ID)
	if recovered.ConsecutiveErrors != 0 || recovered.LastErrorAt != nil {
		t.Error("recently errored series should be reset by a successful refresh")
	}
	stillHeld, _ := db.GetSeriesByID(heldBack.ID)
	if stillHeld.ConsecutiveErrors != 2 {
		t.Error("series at the threshold must not be refreshed")
	}

	linked, _ := db.GetRecordingByID(rec.ID)
	if linked.Status != models.RecordingMatchCompleted {
		t.Errorf("recording Status = %s, want MATCH_COMPLETED", linked.Status)
	}
}

func TestEpisodeMatchMode(t *testing.T) {
	provider := &fakeProvider{seriesErr: errors.New("provider must not be called")}
	sched, db := newTestScheduler(t, provider, nil)

	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})
	ep := &models.Episode{ProviderID: "127131", SeriesID: series.ID, Season: 1, Number: 1, Title: "Pilot"}
	if err := db.CreateEpisode(ep); err != nil {
		t.Fatalf("CreateEpisode() error = %v", err)
	}
	rec := createRecording(t, db, series.ID, "pilot")

	unresolved := createSeries(t, db, &models.Series{Title: "Fringe", Status: models.SeriesNeedsHint})
	createRecording(t, db, unresolved.ID, "Pilot")

	stats, err := sched.Run(context.Background(), EpisodeMatch{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Updated != 1 || stats.Refresh.RecordingsLinked != 1 {
		t.Errorf("stats = %+v, want one series with one linked recording", stats)
	}

	stored, _ := db.GetRecordingByID(rec.ID)
	if !stored.LinkedTo(ep.ID) {
		t.Errorf("recording linked to %v, want %d", stored.EpisodeID, ep.ID)
	}
}

func TestIngestMode(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		sched, _ := newTestScheduler(t, &fakeProvider{}, nil)
		if _, err := sched.Run(context.Background(), Ingest{}); err == nil {
			t.Error("Run(Ingest) without a DVR should fail")
		}
	})

	t.Run("configured", func(t *testing.T) {
		title := "Pilot"
		source := &fakeSource{programs: []dvr.Program{
			{ExternalID: "p1", SeriesTitle: "Lost", EpisodeTitle: &title},
			{ExternalID: "p2", SeriesTitle: "Fringe", EpisodeTitle: &title},
		}}
		sched, _ := newTestScheduler(t, &fakeProvider{}, source)

		stats, err := sched.Run(context.Background(), Ingest{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if stats.Ingest == nil || stats.Ingest.Created != 2 || stats.Updated != 2 {
			t.Errorf("stats = %+v, want 2 recordings created", stats)
		}
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name     string
		seriesID uint64
		want     RunMode
		wantErr  bool
	}{
		{"full", 0, Full{}, false},
		{"smart", 0, Smart{}, false},
		{"recent-changes", 0, RecentChanges{}, false},
		{"sanity_sweep", 0, SanitySweep{}, false},
		{"Episode-Match", 0, EpisodeMatch{}, false},
		{"single-series", 42, SingleSeries{SeriesID: 42}, false},
		{"single-series", 0, nil, true},
		{"download", 0, nil, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.name, tt.seriesID)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %#v, want %#v", tt.name, got, tt.want)
		}
	}
}
