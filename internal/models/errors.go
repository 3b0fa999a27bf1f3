package models

import (
	"errors"
	"fmt"
)

// ErrorClassifier lets an error declare how it should be recorded
type ErrorClassifier interface {
	ErrorKind() ErrorKind
}

// TransientProviderError is a provider failure that the next scheduled pass may not repeat:
// network errors, rate limiting, server errors or an exhausted re-authentication.
type TransientProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ErrorKind implements ErrorClassifier
func (e *TransientProviderError) ErrorKind() ErrorKind { return ErrorKindTransientProvider }

// DataIntegrityError is an ambiguous duplicate linkage or a provider payload missing a required field
type DataIntegrityError struct {
	SeriesID  uint64
	EpisodeID uint64
	Reason    string
}

func (e *DataIntegrityError) Error() string {
	if e.SeriesID != 0 {
		return fmt.Sprintf("data integrity (series %d): %s", e.SeriesID, e.Reason)
	}
	return "data integrity: " + e.Reason
}

// ErrorKind implements ErrorClassifier
func (e *DataIntegrityError) ErrorKind() ErrorKind { return ErrorKindDataIntegrity }

// ConfigurationInvariantViolation is a broken reference between local records.
// It is fatal for the affected item only.
type ConfigurationInvariantViolation struct {
	RecordingID uint64
	SeriesID    uint64
	Reason      string
}

func (e *ConfigurationInvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (recording %d, series %d): %s", e.RecordingID, e.SeriesID, e.Reason)
}

// ErrorKind implements ErrorClassifier
func (e *ConfigurationInvariantViolation) ErrorKind() ErrorKind {
	return ErrorKindConfigurationInvariant
}

// ClassifyError maps an error chain to the kind used for error records
func ClassifyError(err error) ErrorKind {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	return ErrorKindUnknown
}
