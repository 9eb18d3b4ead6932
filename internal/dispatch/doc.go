// Package dispatch delivers readings to the remote time-series service.
//
// Every local feed gets its own Queue. Ingest appends a Sample per
// reading; a periodic flush drains the whole buffer, renders it as one
// feed document and PUTs it to {base}/v2/feeds/{remote id}. A 200 drops
// the batch. Anything else pushes every drained sample back to the front
// of the buffer, in order, and forces remote feed discovery before the
// next attempt. Delivery is therefore at-least-once, ordered, and retried
// without limit.
//
// The remote feed id is discovered (or the remote feed created) on the
// first flush and persisted through a StateStore so restarts keep writing
// to the same remote feed.
package dispatch
