package models

// RecordingStatus represents the match state of a DVR recording
type RecordingStatus string

const (
	RecordingUnmatched         RecordingStatus = "UNMATCHED"
	RecordingNeedsConfirmation RecordingStatus = "NEEDS_CONFIRMATION"
	RecordingNoPossibleMatch   RecordingStatus = "NO_POSSIBLE_MATCH"
	RecordingMatchCompleted    RecordingStatus = "MATCH_COMPLETED"
)

// SeriesStatus represents the match state of a local series against the provider catalog
type SeriesStatus string

const (
	SeriesNew               SeriesStatus = "NEW"
	SeriesNeedsHint         SeriesStatus = "NEEDS_HINT"
	SeriesNeedsBetterHint   SeriesStatus = "NEEDS_BETTER_HINT"
	SeriesNeedsConfirmation SeriesStatus = "NEEDS_CONFIRMATION"
	SeriesDuplicate         SeriesStatus = "DUPLICATE"
	SeriesMatchConfirmed    SeriesStatus = "MATCH_CONFIRMED" // confirmed by a human, ready for its first refresh
	SeriesMatchCompleted    SeriesStatus = "MATCH_COMPLETED"
)

// IsMatched reports whether the series is linked to a provider record
func (s SeriesStatus) IsMatched() bool {
	return s == SeriesMatchConfirmed || s == SeriesMatchCompleted
}

// ErrorKind classifies a persisted error record
type ErrorKind string

const (
	ErrorKindTransientProvider      ErrorKind = "transient_provider"
	ErrorKindDataIntegrity          ErrorKind = "data_integrity"
	ErrorKindConfigurationInvariant ErrorKind = "configuration_invariant"
	ErrorKindUnknown                ErrorKind = "unknown"
)

// AlgorithmNGram tags match candidates scored by trigram distance
const AlgorithmNGram = "ngram3"

// MaxCandidates caps the ranked guesses kept per recording and per series
const MaxCandidates = 5
