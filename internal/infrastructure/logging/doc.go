// Package logging wraps log/slog so every component logs with the same
// fields and format.
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
//
// Components take a narrow Logger interface. Pass Component("dispatch")
// to tag records with their origin:
//
//	logger := logging.New(cfg.Logging, version)
//	queue.SetLogger(logger.Component("dispatch"))
package logging
