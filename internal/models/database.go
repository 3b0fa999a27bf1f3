package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by point lookups that match nothing
var ErrNotFound = bolthold.ErrNotFound

// Database wraps the bolthold store
type Database struct {
	store *bolthold.Store
	now   func() time.Time
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store, now: time.Now}, nil
}

// SetClock replaces the time source used for record timestamps
func (db *Database) SetClock(now func() time.Time) {
	db.now = now
}

// Now returns the current time of the database clock
func (db *Database) Now() time.Time {
	return db.now()
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// Tx is a single bbolt write transaction over the store
type Tx struct {
	db *Database
	tx *bbolt.Tx
}

// Update runs fn inside one write transaction. Nothing is committed if fn returns an error.
func (db *Database) Update(fn func(tx *Tx) error) error {
	return db.store.Bolt().Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{db: db, tx: btx})
	})
}

// UpdateEpisode updates an episode inside the transaction
func (t *Tx) UpdateEpisode(episode *Episode) error {
	episode.UpdatedAt = t.db.now()
	return t.db.store.TxUpdate(t.tx, episode.ID, episode)
}

// UpdateRecording updates a recording inside the transaction
func (t *Tx) UpdateRecording(rec *Recording) error {
	rec.UpdatedAt = t.db.now()
	return t.db.store.TxUpdate(t.tx, rec.ID, rec)
}

// Series operations

// CreateSeries creates a new series
func (db *Database) CreateSeries(series *Series) error {
	series.CreatedAt = db.now()
	series.UpdatedAt = series.CreatedAt
	return db.store.Insert(bolthold.NextSequence(), series)
}

// UpdateSeries updates an existing series
func (db *Database) UpdateSeries(series *Series) error {
	series.UpdatedAt = db.now()
	return db.store.Update(series.ID, series)
}

// GetSeriesByID retrieves a series by ID
func (db *Database) GetSeriesByID(id uint64) (*Series, error) {
	var series Series
	if err := db.store.Get(id, &series); err != nil {
		return nil, err
	}
	return &series, nil
}

// GetSeriesByTitle retrieves an active series by its DVR title, case-insensitively
func (db *Database) GetSeriesByTitle(title string) (*Series, error) {
	all, err := db.GetActiveSeries()
	if err != nil {
		return nil, err
	}
	for _, series := range all {
		if strings.EqualFold(series.Title, title) {
			return series, nil
		}
	}
	return nil, ErrNotFound
}

// GetSeriesByProviderID retrieves all active series linked to a provider id
func (db *Database) GetSeriesByProviderID(providerID string) ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, bolthold.Where("ProviderID").Eq(providerID).And("Retired").Eq(false))
	sortSeries(series)
	return series, err
}

// GetSeriesByStatus retrieves active series with the given match status
func (db *Database) GetSeriesByStatus(status SeriesStatus) ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, bolthold.Where("Status").Eq(status).And("Retired").Eq(false))
	sortSeries(series)
	return series, err
}

// GetActiveSeries retrieves every series that is not retired
func (db *Database) GetActiveSeries() ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, bolthold.Where("Retired").Eq(false))
	sortSeries(series)
	return series, err
}

// GetErroredSeries retrieves active series with a recorded error
func (db *Database) GetErroredSeries() ([]*Series, error) {
	var series []*Series
	err := db.store.Find(&series, bolthold.Where("Retired").Eq(false).And("ConsecutiveErrors").Gt(0))
	sortSeries(series)
	return series, err
}

func sortSeries(series []*Series) {
	sort.Slice(series, func(i, j int) bool { return series[i].ID < series[j].ID })
}

// Episode operations

// CreateEpisode creates a new canonical episode. A preset CreatedAt is kept.
func (db *Database) CreateEpisode(episode *Episode) error {
	now := db.now()
	if episode.CreatedAt.IsZero() {
		episode.CreatedAt = now
	}
	episode.UpdatedAt = now
	return db.store.Insert(bolthold.NextSequence(), episode)
}

// UpdateEpisode updates an existing episode
func (db *Database) UpdateEpisode(episode *Episode) error {
	episode.UpdatedAt = db.now()
	return db.store.Update(episode.ID, episode)
}

// GetEpisodeByID retrieves an episode by ID
func (db *Database) GetEpisodeByID(id uint64) (*Episode, error) {
	var episode Episode
	if err := db.store.Get(id, &episode); err != nil {
		return nil, err
	}
	return &episode, nil
}

// GetEpisodesBySeries retrieves every episode of a series, retired ones included
func (db *Database) GetEpisodesBySeries(seriesID uint64) ([]*Episode, error) {
	var episodes []*Episode
	err := db.store.Find(&episodes, bolthold.Where("SeriesID").Eq(seriesID))
	sortEpisodes(episodes)
	return episodes, err
}

// GetActiveEpisodesBySeries retrieves the non-retired episodes of a series,
// ordered by season, number and ID
func (db *Database) GetActiveEpisodesBySeries(seriesID uint64) ([]*Episode, error) {
	var episodes []*Episode
	err := db.store.Find(&episodes, bolthold.Where("SeriesID").Eq(seriesID).And("Retired").Eq(false))
	sortEpisodes(episodes)
	return episodes, err
}

func sortEpisodes(episodes []*Episode) {
	sort.Slice(episodes, func(i, j int) bool {
		a, b := episodes[i], episodes[j]
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.ID < b.ID
	})
}

// Recording operations

// CreateRecording creates a new recording
func (db *Database) CreateRecording(rec *Recording) error {
	rec.CreatedAt = db.now()
	rec.UpdatedAt = rec.CreatedAt
	return db.store.Insert(bolthold.NextSequence(), rec)
}

// UpdateRecording updates an existing recording
func (db *Database) UpdateRecording(rec *Recording) error {
	rec.UpdatedAt = db.now()
	return db.store.Update(rec.ID, rec)
}

// GetRecordingByID retrieves a recording by ID
func (db *Database) GetRecordingByID(id uint64) (*Recording, error) {
	var rec Recording
	if err := db.store.Get(id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecordingByExternalID retrieves a recording by its DVR program id
func (db *Database) GetRecordingByExternalID(externalID string) (*Recording, error) {
	var rec Recording
	if err := db.store.FindOne(&rec, bolthold.Where("ExternalID").Eq(externalID)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetUnmatchedRecordingsBySeries retrieves active recordings of a series that are not linked yet
func (db *Database) GetUnmatchedRecordingsBySeries(seriesID uint64) ([]*Recording, error) {
	var recs []*Recording
	err := db.store.Find(&recs,
		bolthold.Where("SeriesID").Eq(seriesID).
			And("Retired").Eq(false).
			And("Status").Ne(RecordingMatchCompleted))
	sortRecordings(recs)
	return recs, err
}

// GetUnmatchedRecordings retrieves every active recording that is not linked yet
func (db *Database) GetUnmatchedRecordings() ([]*Recording, error) {
	var recs []*Recording
	err := db.store.Find(&recs,
		bolthold.Where("Retired").Eq(false).And("Status").Ne(RecordingMatchCompleted))
	sortRecordings(recs)
	return recs, err
}

// GetRecordingsBySeries retrieves every active recording of a series
func (db *Database) GetRecordingsBySeries(seriesID uint64) ([]*Recording, error) {
	var recs []*Recording
	err := db.store.Find(&recs, bolthold.Where("SeriesID").Eq(seriesID).And("Retired").Eq(false))
	sortRecordings(recs)
	return recs, err
}

// GetRecordingsLinkedTo retrieves recordings linked to any of the given episodes.
// Retired recordings are included only when includeRetired is set.
func (db *Database) GetRecordingsLinkedTo(episodeIDs []uint64, includeRetired bool) ([]*Recording, error) {
	wanted := make(map[uint64]bool, len(episodeIDs))
	for _, id := range episodeIDs {
		wanted[id] = true
	}

	var all []*Recording
	if err := db.store.Find(&all, nil); err != nil {
		return nil, err
	}

	var recs []*Recording
	for _, rec := range all {
		if rec.EpisodeID == nil || !wanted[*rec.EpisodeID] {
			continue
		}
		if rec.Retired && !includeRetired {
			continue
		}
		recs = append(recs, rec)
	}
	sortRecordings(recs)
	return recs, nil
}

// CountUnresolvedBySeries counts active recordings of a series that are not linked yet
func (db *Database) CountUnresolvedBySeries(seriesID uint64) (int, error) {
	recs, err := db.GetUnmatchedRecordingsBySeries(seriesID)
	return len(recs), err
}

// CountRecordingsByStatus counts active recordings per match status
func (db *Database) CountRecordingsByStatus() (map[RecordingStatus]int, error) {
	var recs []*Recording
	if err := db.store.Find(&recs, bolthold.Where("Retired").Eq(false)); err != nil {
		return nil, err
	}
	counts := make(map[RecordingStatus]int)
	for _, rec := range recs {
		counts[rec.Status]++
	}
	return counts, nil
}

// MarkAllRecordingsNotInDVR marks all active recordings as not reported by the DVR
func (db *Database) MarkAllRecordingsNotInDVR() error {
	var recs []*Recording
	if err := db.store.Find(&recs, bolthold.Where("Retired").Eq(false)); err != nil {
		return err
	}

	for _, rec := range recs {
		rec.InDVR = false
		if err := db.UpdateRecording(rec); err != nil {
			return err
		}
	}

	return nil
}

// GetRecordingsNotInDVR retrieves active recordings the DVR no longer reports
func (db *Database) GetRecordingsNotInDVR() ([]*Recording, error) {
	var recs []*Recording
	err := db.store.Find(&recs, bolthold.Where("Retired").Eq(false).And("InDVR").Eq(false))
	sortRecordings(recs)
	return recs, err
}

func sortRecordings(recs []*Recording) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

// Candidate operations

// GetMatchCandidates retrieves the persisted candidates of a recording, best first
func (db *Database) GetMatchCandidates(recordingID uint64) ([]*MatchCandidate, error) {
	var candidates []*MatchCandidate
	err := db.store.Find(&candidates, bolthold.Where("RecordingID").Eq(recordingID))
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Rank != candidates[j].Rank {
			return candidates[i].Rank < candidates[j].Rank
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, err
}

// UpsertMatchCandidate updates the candidate for the same (recording, episode) pair or creates it
func (db *Database) UpsertMatchCandidate(candidate *MatchCandidate) error {
	var existing []*MatchCandidate
	err := db.store.Find(&existing,
		bolthold.Where("RecordingID").Eq(candidate.RecordingID).And("EpisodeID").Eq(candidate.EpisodeID))
	if err != nil {
		return err
	}

	now := db.now()
	candidate.UpdatedAt = now
	if len(existing) > 0 {
		candidate.ID = existing[0].ID
		candidate.CreatedAt = existing[0].CreatedAt
		return db.store.Update(candidate.ID, candidate)
	}

	candidate.CreatedAt = now
	return db.store.Insert(bolthold.NextSequence(), candidate)
}

// DeleteMatchCandidate deletes a candidate by ID
func (db *Database) DeleteMatchCandidate(id uint64) error {
	return db.store.Delete(id, &MatchCandidate{})
}

// ReplaceSeriesCandidates replaces the candidate list of a series in one transaction
func (db *Database) ReplaceSeriesCandidates(seriesID uint64, candidates []*SeriesCandidate) error {
	return db.store.Bolt().Update(func(tx *bbolt.Tx) error {
		if err := db.store.TxDeleteMatching(tx, &SeriesCandidate{}, bolthold.Where("SeriesID").Eq(seriesID)); err != nil {
			return err
		}
		now := db.now()
		for _, candidate := range candidates {
			candidate.SeriesID = seriesID
			candidate.CreatedAt = now
			if err := db.store.TxInsert(tx, bolthold.NextSequence(), candidate); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSeriesCandidates retrieves the candidates of a series in rank order
func (db *Database) GetSeriesCandidates(seriesID uint64) ([]*SeriesCandidate, error) {
	var candidates []*SeriesCandidate
	err := db.store.Find(&candidates, bolthold.Where("SeriesID").Eq(seriesID))
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Rank < candidates[j].Rank })
	return candidates, err
}

// Work item operations

// CreateWorkItem creates a new work item
func (db *Database) CreateWorkItem(item *WorkItem) error {
	if item.DiscoveredAt.IsZero() {
		item.DiscoveredAt = db.now()
	}
	return db.store.Insert(bolthold.NextSequence(), item)
}

// GetUnprocessedWorkItems retrieves the unprocessed work items of a series
func (db *Database) GetUnprocessedWorkItems(seriesID uint64) ([]*WorkItem, error) {
	var items []*WorkItem
	err := db.store.Find(&items, bolthold.Where("SeriesID").Eq(seriesID).And("Processed").Eq(false))
	sortWorkItems(items)
	return items, err
}

// GetPendingWorkItems retrieves unprocessed work items whose series has fewer than
// errorThreshold consecutive errors, or whose last error is before cooledDownBefore
func (db *Database) GetPendingWorkItems(errorThreshold int, cooledDownBefore time.Time) ([]*WorkItem, error) {
	var items []*WorkItem
	if err := db.store.Find(&items, bolthold.Where("Processed").Eq(false)); err != nil {
		return nil, err
	}

	eligible := make(map[uint64]bool)
	pending := make([]*WorkItem, 0, len(items))
	for _, item := range items {
		ok, seen := eligible[item.SeriesID]
		if !seen {
			series, err := db.GetSeriesByID(item.SeriesID)
			if errors.Is(err, ErrNotFound) {
				// Items of a vanished series surface as invariant violations in the scheduler.
				pending = append(pending, item)
				continue
			}
			if err != nil {
				return nil, err
			}
			ok = series.ConsecutiveErrors < errorThreshold ||
				(series.LastErrorAt != nil && series.LastErrorAt.Before(cooledDownBefore))
			eligible[item.SeriesID] = ok
		}
		if ok {
			pending = append(pending, item)
		}
	}

	sortWorkItems(pending)
	return pending, nil
}

// MarkWorkItemsProcessed stamps the given items as processed
func (db *Database) MarkWorkItemsProcessed(items []*WorkItem, at time.Time) error {
	for _, item := range items {
		processedAt := at
		item.ProcessedAt = &processedAt
		item.Processed = true
		if err := db.store.Update(item.ID, item); err != nil {
			return err
		}
	}
	return nil
}

// LatestWorkItemDiscovery returns the most recent work item discovery time, or false when there is none
func (db *Database) LatestWorkItemDiscovery() (time.Time, bool, error) {
	var items []*WorkItem
	if err := db.store.Find(&items, nil); err != nil {
		return time.Time{}, false, err
	}

	var latest time.Time
	for _, item := range items {
		if item.DiscoveredAt.After(latest) {
			latest = item.DiscoveredAt
		}
	}
	return latest, len(items) > 0, nil
}

func sortWorkItems(items []*WorkItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

// Sync run operations

// CreateSyncRun creates a new sync run
func (db *Database) CreateSyncRun(run *SyncRun) error {
	return db.store.Insert(bolthold.NextSequence(), run)
}

// UpdateSyncRun updates an existing sync run
func (db *Database) UpdateSyncRun(run *SyncRun) error {
	return db.store.Update(run.ID, run)
}

// LatestSuccessfulRun returns the most recently finished successful run of a kind
func (db *Database) LatestSuccessfulRun(kind string) (*SyncRun, error) {
	var runs []*SyncRun
	if err := db.store.Find(&runs, bolthold.Where("Kind").Eq(kind).And("Succeeded").Eq(true)); err != nil {
		return nil, err
	}

	var latest *SyncRun
	for _, run := range runs {
		if run.FinishedAt == nil {
			continue
		}
		if latest == nil || run.FinishedAt.After(*latest.FinishedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// GetRecentSyncRuns returns up to limit runs, newest first
func (db *Database) GetRecentSyncRuns(limit int) ([]*SyncRun, error) {
	var runs []*SyncRun
	if err := db.store.Find(&runs, nil); err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Error record operations

// CreateErrorRecord persists a structured error record
func (db *Database) CreateErrorRecord(record *ErrorRecord) error {
	record.CreatedAt = db.now()
	return db.store.Insert(bolthold.NextSequence(), record)
}

// GetErrorRecordsBySeries retrieves the error records of a series, oldest first
func (db *Database) GetErrorRecordsBySeries(seriesID uint64) ([]*ErrorRecord, error) {
	var records []*ErrorRecord
	err := db.store.Find(&records, bolthold.Where("SeriesID").Eq(seriesID))
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, err
}
