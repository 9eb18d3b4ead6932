package command

import "errors"

// Outcome classes. A Result's Err wraps one of these.
var (
	// ErrRemoteDelivery covers connection failures, non-200 responses and
	// undecodable bodies.
	ErrRemoteDelivery = errors.New("command: remote delivery failed")

	// ErrTimeout is returned when the agent did not answer in time.
	ErrTimeout = errors.New("command: timed out")

	// ErrNoAddress is returned when a feed has no known agent address.
	ErrNoAddress = errors.New("command: no agent address")
)
