package controllers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
)

func newTestRefresh(db *models.Database, provider *fakeProvider) *RefreshController {
	logger := newTestLogger()
	return NewRefreshController(
		db,
		provider,
		NewResolverController(db, provider, logger),
		NewMatcherController(db, logger),
		NewReconcilerController(db, logger),
		logger,
	)
}

func TestRefreshSeriesAddsEpisodesAndLinksRecordings(t *testing.T) {
	db := newTestDB(t)
	pilotAired := day(2004, 9, 22)
	provider := &fakeProvider{
		series: map[string]*tvdb.SeriesDetail{"73739": {ProviderID: "73739", Name: "Lost", Year: "2004"}},
		episodes: map[string][]tvdb.EpisodeRecord{"73739": {
			{ProviderID: "127131", SeriesProviderID: "73739", Season: 1, Number: 1, Title: "Pilot (1)", FirstAired: &pilotAired},
			{ProviderID: "127132", SeriesProviderID: "73739", Season: 1, Number: 2, Title: "Pilot (2)"},
			{ProviderID: "127133", SeriesProviderID: "73739", Season: 1, Number: 3, Title: "Tabula Rasa"},
		}},
	}
	refresh := newTestRefresh(db, provider)
	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchConfirmed, ProviderID: "73739"})

	tabula := createRecording(t, db, &models.Recording{SeriesID: series.ID, EpisodeTitle: strPtr("Tabula Rasa")})
	noTitle := createRecording(t, db, &models.Recording{SeriesID: series.ID})

	result, err := refresh.RefreshSeries(context.Background(), series)
	if err != nil {
		t.Fatalf("RefreshSeries() error = %v", err)
	}
	if result.EpisodesAdded != 3 {
		t.Errorf("EpisodesAdded = %d, want 3", result.EpisodesAdded)
	}
	if result.RecordingsLinked != 1 || result.RecordingsNoMatch != 1 {
		t.Errorf("linked = %d, no match = %d, want 1 and 1", result.RecordingsLinked, result.RecordingsNoMatch)
	}

	episodes := activeEpisodes(t, db, series.ID)
	if len(episodes) != 3 {
		t.Fatalf("got %d episodes, want 3", len(episodes))
	}
	var tabulaEp *models.Episode
	for _, ep := range episodes {
		if ep.ProviderID == "127133" {
			tabulaEp = ep
		}
	}
	if tabulaEp == nil {
		t.Fatal("episode 127133 was not created")
	}
	if !reloadRecording(t, db, tabula.ID).LinkedTo(tabulaEp.ID) {
		t.Error("Tabula Rasa recording should be linked")
	}
	if got := reloadRecording(t, db, noTitle.ID).Status; got != models.RecordingNoPossibleMatch {
		t.Errorf("untitled recording status = %s, want NO_POSSIBLE_MATCH", got)
	}

	stored := reloadSeries(t, db, series.ID)
	if stored.Status != models.SeriesMatchCompleted {
		t.Errorf("Status = %s, want MATCH_COMPLETED", stored.Status)
	}
	if stored.LastRefreshedAt == nil || !stored.LastRefreshedAt.Equal(testNow) {
		t.Errorf("LastRefreshedAt = %v, want %v", stored.LastRefreshedAt, testNow)
	}
	if stored.ProviderTitle != "Lost" {
		t.Errorf("ProviderTitle = %q, want Lost", stored.ProviderTitle)
	}

	// A second refresh with an unchanged listing changes nothing
	again, err := refresh.RefreshSeries(context.Background(), stored)
	if err != nil {
		t.Fatalf("second RefreshSeries() error = %v", err)
	}
	if again.EpisodesAdded != 0 || again.EpisodesUpdated != 0 || again.RecordingsLinked != 0 {
		t.Errorf("second refresh changed state: %+v", again)
	}
}

func TestRefreshSeriesUpdatesChangedEpisodes(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{
		series: map[string]*tvdb.SeriesDetail{"73739": {ProviderID: "73739", Name: "Lost"}},
	}
	refresh := newTestRefresh(db, provider)
	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})
	ep := createEpisode(t, db, series.ID, 1, 4, "Walk About", nil)

	provider.episodes = map[string][]tvdb.EpisodeRecord{"73739": {
		{ProviderID: ep.ProviderID, Season: 1, Number: 4, Title: "Walkabout"},
	}}

	result, err := refresh.RefreshSeries(context.Background(), series)
	if err != nil {
		t.Fatalf("RefreshSeries() error = %v", err)
	}
	if result.EpisodesUpdated != 1 {
		t.Errorf("EpisodesUpdated = %d, want 1", result.EpisodesUpdated)
	}
	if got := reloadEpisode(t, db, ep.ID).Title; got != "Walkabout" {
		t.Errorf("Title = %q, want Walkabout", got)
	}
}

func TestRefreshSeriesDuplicateConflictDoesNotStopRefresh(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{
		series: map[string]*tvdb.SeriesDetail{"73739": {ProviderID: "73739", Name: "Lost"}},
		episodes: map[string][]tvdb.EpisodeRecord{"73739": {
			{ProviderID: "1001", Season: 2, Number: 5, Title: "The Hunting Party"},
			{ProviderID: "1002", Season: 2, Number: 5, Title: "The Hunting Party"},
			{ProviderID: "1003", Season: 2, Number: 6, Title: "Abandoned"},
		}},
	}
	refresh := newTestRefresh(db, provider)
	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})

	first := createEpisodeAt(t, db, series.ID, "1001", testNow.Add(-2*time.Hour))
	second := createEpisodeAt(t, db, series.ID, "1002", testNow.Add(-time.Hour))
	linkedRecording(t, db, series.ID, first.ID)
	linkedRecording(t, db, series.ID, second.ID)
	abandoned := createRecording(t, db, &models.Recording{SeriesID: series.ID, EpisodeTitle: strPtr("Abandoned")})

	result, err := refresh.RefreshSeries(context.Background(), series)
	var integrity *models.DataIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("RefreshSeries() error = %v, want a joined DataIntegrityError", err)
	}
	if result.DuplicateSets != 0 {
		t.Errorf("DuplicateSets = %d, want 0", result.DuplicateSets)
	}

	if reloadEpisode(t, db, first.ID).Retired || reloadEpisode(t, db, second.ID).Retired {
		t.Error("conflicting duplicates must stay untouched")
	}
	if got := reloadRecording(t, db, abandoned.ID).Status; got != models.RecordingMatchCompleted {
		t.Errorf("other recordings are still matched, status = %s", got)
	}
	if got := reloadSeries(t, db, series.ID).Status; got != models.SeriesMatchCompleted {
		t.Errorf("Status = %s, want MATCH_COMPLETED", got)
	}
}

func TestRefreshSeriesRetiresEpisodesDeletedUpstream(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{
		series: map[string]*tvdb.SeriesDetail{"73739": {ProviderID: "73739", Name: "Lost"}},
	}
	refresh := newTestRefresh(db, provider)
	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted, ProviderID: "73739"})

	pilot := createEpisode(t, db, series.ID, 1, 1, "Pilot", nil)
	gone := createEpisode(t, db, series.ID, 1, 9, "Solitary Confinement", nil)
	lagging := createEpisode(t, db, series.ID, 1, 10, "Raised by Another", nil)
	provider.episodes = map[string][]tvdb.EpisodeRecord{"73739": {
		{ProviderID: pilot.ProviderID, Season: 1, Number: 1, Title: "Pilot"},
	}}
	provider.deleted = map[string]bool{gone.ProviderID: true}

	rec := linkedRecording(t, db, series.ID, gone.ID)
	rec.EpisodeTitle = strPtr("Solitary Confinement")
	if err := db.UpdateRecording(rec); err != nil {
		t.Fatalf("UpdateRecording() error = %v", err)
	}

	result, err := refresh.RefreshSeries(context.Background(), series)
	if err != nil {
		t.Fatalf("RefreshSeries() error = %v", err)
	}
	if result.EpisodesRetired != 1 {
		t.Errorf("EpisodesRetired = %d, want 1", result.EpisodesRetired)
	}
	if !reloadEpisode(t, db, gone.ID).Retired {
		t.Error("episode deleted upstream should be retired")
	}
	if reloadEpisode(t, db, lagging.ID).Retired {
		t.Error("episode still served by the provider must stay active")
	}

	stored := reloadRecording(t, db, rec.ID)
	if stored.EpisodeID != nil {
		t.Errorf("recording still linked to %d", *stored.EpisodeID)
	}
	if stored.Status == models.RecordingMatchCompleted {
		t.Error("recording should be back in matching")
	}
}

func TestRefreshSeriesResolvesUnmatchedSeries(t *testing.T) {
	db := newTestDB(t)
	provider := &fakeProvider{search: map[string][]tvdb.SeriesResult{
		"lost": {{ProviderID: "73739", Name: "Lost", Year: "2004"}},
	}}
	refresh := newTestRefresh(db, provider)
	series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesNew})

	result, err := refresh.RefreshSeries(context.Background(), series)
	if err != nil {
		t.Fatalf("RefreshSeries() error = %v", err)
	}
	if result.Resolved != 1 {
		t.Errorf("Resolved = %d, want 1", result.Resolved)
	}
	if got := reloadSeries(t, db, series.ID).Status; got != models.SeriesNeedsConfirmation {
		t.Errorf("Status = %s, want NEEDS_CONFIRMATION", got)
	}
}

func TestRefreshSeriesErrors(t *testing.T) {
	t.Run("matched without provider id", func(t *testing.T) {
		db := newTestDB(t)
		refresh := newTestRefresh(db, &fakeProvider{})
		series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchCompleted})

		_, err := refresh.RefreshSeries(context.Background(), series)
		if models.ClassifyError(err) != models.ErrorKindConfigurationInvariant {
			t.Errorf("RefreshSeries() error = %v, want configuration invariant violation", err)
		}
	})

	t.Run("provider failure", func(t *testing.T) {
		db := newTestDB(t)
		provider := &fakeProvider{fail: &models.TransientProviderError{Op: "GET /series/73739", StatusCode: 502}}
		refresh := newTestRefresh(db, provider)
		series := createSeries(t, db, &models.Series{Title: "Lost", Status: models.SeriesMatchConfirmed, ProviderID: "73739"})

		_, err := refresh.RefreshSeries(context.Background(), series)
		if models.ClassifyError(err) != models.ErrorKindTransientProvider {
			t.Errorf("RefreshSeries() error = %v, want transient provider error", err)
		}
		if got := reloadSeries(t, db, series.ID).Status; got != models.SeriesMatchConfirmed {
			t.Errorf("Status = %s, want MATCH_CONFIRMED", got)
		}
	})
}

func TestDuplicateSlots(t *testing.T) {
	episodes := []*models.Episode{
		{ID: 1, Season: 1, Number: 1},
		{ID: 2, Season: 1, Number: 2},
		{ID: 3, Season: 1, Number: 1},
		{ID: 4, Season: 0, Number: 1},
	}
	dups := duplicateSlots(episodes)
	if len(dups) != 1 || len(dups[0]) != 2 || dups[0][0].ID != 1 || dups[0][1].ID != 3 {
		t.Errorf("duplicateSlots() = %v, want one set of episodes 1 and 3", dups)
	}
}
