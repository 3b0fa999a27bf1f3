package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tvcatalog"

var (
	// MatchOutcomes counts Candidate Matcher results by outcome
	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_outcomes_total",
		Help:      "Recording match attempts by outcome.",
	}, []string{"outcome"})

	// SeriesResolutions counts Series Resolver results by resulting status
	SeriesResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "series_resolutions_total",
		Help:      "Series resolution attempts by resulting status.",
	}, []string{"status"})

	// DuplicatesReconciled counts duplicate episode sets by result
	DuplicatesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_reconciled_total",
		Help:      "Duplicate canonical episode sets processed, by result.",
	}, []string{"result"})

	// SeriesRefreshes counts per-series refreshes by result
	SeriesRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "series_refreshes_total",
		Help:      "Series processed by the scheduler, by result.",
	}, []string{"result"})

	// SyncRuns counts finished scheduler passes by kind and result
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Scheduler passes by run kind and result.",
	}, []string{"kind", "result"})

	// SyncRunDuration observes pass duration by kind
	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Duration of scheduler passes.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})

	// WorkItemsQueued counts work items created from the changed-entities feed
	WorkItemsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_items_queued_total",
		Help:      "Work items created from provider updates.",
	})

	// ErrorRecords counts persisted error records by kind
	ErrorRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "error_records_total",
		Help:      "Structured error records persisted, by kind.",
	}, []string{"kind"})
)
