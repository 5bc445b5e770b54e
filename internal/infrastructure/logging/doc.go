// Package logging provides structured logging for Event Relay.
//
// It wraps log/slog with configuration-driven setup: level filtering,
// JSON or text output, and default fields (service, version) attached to
// every record. Component loggers are derived with With:
//
//	log := logging.New(cfg.Logging, version)
//	bridgeLog := log.With("component", "bridge")
//
// The bridge emits a structured record for every connect attempt,
// publish failure, and malformed queue entry, so operators can follow
// delivery behaviour from logs alone.
package logging
