package dispatch

import "errors"

var (
	// ErrRemoteDelivery is returned when the remote service rejects a
	// request or cannot be reached.
	ErrRemoteDelivery = errors.New("dispatch: remote delivery failed")

	// ErrNoRemoteFeed is returned by a StateStore that has no remote feed
	// recorded for a local feed.
	ErrNoRemoteFeed = errors.New("dispatch: no remote feed")
)
