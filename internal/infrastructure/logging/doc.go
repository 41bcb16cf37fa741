// Package logging provides structured logging for Fleetbeat.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same shape.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device registered", "device_id", id)
//
// # Security
//
// Never log device credentials. Use TokenPrefix when a token has to be
// correlated:
//
//	logger.Warn("heartbeat rejected", "token_prefix", logging.TokenPrefix(tok))
package logging
