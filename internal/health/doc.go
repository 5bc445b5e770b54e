// Package health provides the periodic health monitor.
//
// On a fixed interval the monitor assembles a status document from the
// shared connection state and a live queue depth probe, then fans it
// out: a structured log record, an atomically-replaced status file for
// the --status command, and an optional InfluxDB point.
//
// The monitor observes; it never drives reconnection or mutates state.
package health
