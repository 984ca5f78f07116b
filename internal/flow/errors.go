package flow

import "errors"

// Sentinel errors shared by the pipeline. Callers match them with errors.Is.
var (
	// ErrNoMatch is returned when no record survives the filters.
	ErrNoMatch = errors.New("no matching flow")
	// ErrSourceUnavailable means the dataset or templates could not be loaded at all.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrUnavailable marks a capability or credential that is not configured.
	ErrUnavailable = errors.New("unavailable")
	// ErrExternalAPI wraps failures reported by a paid external service.
	ErrExternalAPI = errors.New("external api error")
)
