package types

import "errors"

// Error taxonomy. Packages wrap these sentinels with context so callers can
// route on the class with errors.Is while still seeing the specifics.
var (
	// ErrConfiguration marks invalid experiment definitions: unknown format
	// variants, out-of-range layers, store key collisions. Aborts the
	// experiment definition before any model call is made.
	ErrConfiguration = errors.New("configuration error")

	// ErrModel marks a model collaborator failure or timeout for one case.
	// Recovered per case; never aborts the whole run.
	ErrModel = errors.New("model error")

	// ErrNotFound marks a lookup for a snapshot that was never recorded.
	ErrNotFound = errors.New("not found")
)
