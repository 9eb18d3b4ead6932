// Package occupancy polls the wireless controller for associated stations
// and records them as the client list of the feed powering each AP.
//
// The controller's client list is what the power controller counts, so
// this poller is the only input that keeps an AP online while stations
// are associated with it.
package occupancy
