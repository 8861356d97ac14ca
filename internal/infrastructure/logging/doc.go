// Package logging provides structured logging for the robot starter.
//
// This package wraps Go's standard log/slog package so that every component
// (supervisor, reaper, command channels, hardware) logs the same way.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for bench testing (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	sup.SetLogger(logger.Component("supervisor"))
//	logger.Info("robot starter ready", "pid", pid)
//
// User code output never goes through this logger; it is written to the
// round log file on the robot USB stick.
package logging
