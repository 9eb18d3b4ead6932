// Package command talks to the agents running on an access point.
//
// Each agent exposes a small key-encoded HTTP interface on a fixed port:
//
//	GET /read/{key}
//	GET /write/{key}/{value}
//	PUT /ap/duty_cycle/{percent}
//
// and answers with a JSON array whose first element is the resulting
// value. Every call returns a Result classified as OK, RemoteDeliveryError
// or Timeout; callers never see a raw transport error.
package command
