package controller

import "errors"

// Domain-specific errors for the controller.
var (
	// ErrInvalidMode is returned for an unknown Mode.
	ErrInvalidMode = errors.New("controller: invalid mode")

	// ErrInvalidConfig is returned when timeouts or targets are out of range.
	ErrInvalidConfig = errors.New("controller: invalid config")
)
