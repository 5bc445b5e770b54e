// Package bridge contains the coordinator that moves events from the
// queue to the broker.
//
// The loop is deliberately serial: one BLPOP, one encode, one QoS 1
// publish, then the next entry. Serial delivery is what turns Redis
// list order into broker delivery order; there is no worker pool to
// reshuffle it.
//
// Failure policy per entry:
//
//   - malformed JSON: counted and discarded (the pop already consumed it)
//   - broker disconnected: wait for the connection manager to produce a
//     fresh session, then retry, up to the configured attempt budget
//   - budget exhausted: counted as dropped and logged, never re-enqueued
//
// Each outcome is also appended to the SQLite delivery log when that is
// enabled.
package bridge
