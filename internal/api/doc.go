// Package api serves the feed registry over HTTP and streams registry
// and controller events over WebSocket.
//
// Feeds are addressed through an explicit resource table, so
// /feeds/{id} and /v2/feeds/{id}.json reach the same handler:
//
//	GET    /feeds                              list
//	POST   /feeds                              create
//	GET    /feeds/{id}                         read
//	PUT    /feeds/{id}                         report readings
//	PUT    /feeds/{id}/{datastream}/{value}    write through to the agent
//	DELETE /feeds/{id}                         delete
//
// Status endpoints: /health, /controller, /dispatch, /audit, and /ws for
// the event stream.
//
// Thread Safety: all methods are safe for concurrent use.
package api
