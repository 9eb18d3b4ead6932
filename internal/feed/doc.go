// Package feed implements the in-memory Feed Registry.
//
// A Feed is the resource record of one monitored access point: identity,
// the addresses of its sensor and relay agents, a set of Datastreams with
// running min/max statistics, and the wireless clients currently
// associated with it.
//
// The registry is the single owner of this state. Every read returns a deep
// copy, so callers (the API, the power controller, the dispatch document
// builder) can serialise or inspect snapshots without holding the lock.
//
// The registry is an ephemeral cache of current state. It is never
// persisted and feeds are never expired; a feed that stops reporting only
// changes its derived status from "live" to "dead".
package feed
