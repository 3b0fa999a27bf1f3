package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/sirupsen/logrus"
)

const recentRunLimit = 10

// StatusHandler handles status requests
type StatusHandler struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db *models.Database, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		logger: logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	TotalSeries        int            `json:"total_series"`
	SeriesByStatus     map[string]int `json:"series_by_status"`
	ErroredSeries      int            `json:"errored_series"`
	RecordingsByStatus map[string]int `json:"recordings_by_status"`
	Backlog            int            `json:"backlog"` // records waiting for a human
	RecentRuns         []RunSummary   `json:"recent_runs"`
}

// RunSummary is one scheduler pass as reported by /status
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Updated    int        `json:"updated"`
	Failed     int        `json:"failed"`
	Succeeded  bool       `json:"succeeded"`
	Error      string     `json:"error,omitempty"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	series, err := h.db.GetActiveSeries()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get series")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	recordings, err := h.db.CountRecordingsByStatus()
	if err != nil {
		h.logger.WithError(err).Error("Failed to count recordings")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	runs, err := h.db.GetRecentSyncRuns(recentRunLimit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get sync runs")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := StatusResponse{
		TotalSeries:        len(series),
		SeriesByStatus:     make(map[string]int),
		RecordingsByStatus: make(map[string]int),
		RecentRuns:         make([]RunSummary, 0, len(runs)),
	}

	for _, s := range series {
		response.SeriesByStatus[string(s.Status)]++
		if s.ConsecutiveErrors > 0 {
			response.ErroredSeries++
		}

		switch s.Status {
		case models.SeriesNeedsHint, models.SeriesNeedsBetterHint, models.SeriesNeedsConfirmation, models.SeriesDuplicate:
			response.Backlog++
		}
	}

	for status, count := range recordings {
		response.RecordingsByStatus[string(status)] = count
	}
	response.Backlog += recordings[models.RecordingNeedsConfirmation]

	for _, run := range runs {
		response.RecentRuns = append(response.RecentRuns, RunSummary{
			RunID:      run.RunID,
			Kind:       run.Kind,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Updated:    run.Updated,
			Failed:     run.Failed,
			Succeeded:  run.Succeeded,
			Error:      run.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
