// Package state holds the shared connection state of the bridge.
//
// ConnectionState is the single point of truth for broker/queue
// connectivity, the derived client session id, reconnect attempts, and
// delivery counters. Writers (the broker connection manager, the queue
// consumer, the bridge loop) mutate it through coarse-grained setters;
// the health monitor reads it through Snapshot, which returns a
// consistent copy under one lock rather than field-by-field reads.
package state
