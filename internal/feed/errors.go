package feed

import "errors"

// Domain errors for registry operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when the feed id is unknown.
	ErrNotFound = errors.New("feed: not found")

	// ErrValidation is returned when a create or update payload is missing
	// required fields or carries malformed values. The registry is left
	// unchanged.
	ErrValidation = errors.New("feed: validation failed")
)
