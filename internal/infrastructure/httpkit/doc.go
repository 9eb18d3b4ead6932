// Package httpkit builds the HTTP clients used for every outbound call:
// device commands, remote dispatch and occupancy polling.
//
// Clients share a transport with explicit dial and header timeouts, set a
// User-Agent, and can optionally retry requests that failed before any
// byte reached the peer (connection refused, host or network unreachable).
package httpkit
