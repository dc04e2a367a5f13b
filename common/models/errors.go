package models

import "errors"

// Registry error taxonomy. Dedup races, duplicate callbacks and
// eviction-vs-fetch races all surface as one of these and are never fatal.
var (
	// ErrNotFound: unknown or evicted bundle; a normal negative result
	ErrNotFound = errors.New("bundle not found")

	// ErrInvalidTransition: a state change that violates the cooking state
	// machine; rejected without touching the row
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotReady reports an attempt to fetch a bundle that has not
	// finished cooking
	ErrNotReady = errors.New("bundle not ready")

	// ErrUnsupportedType: bundle type name rejected at intake
	ErrUnsupportedType = errors.New("unsupported bundle type")
)
