// Package queue consumes event entries from the Redis-backed queue.
//
// The producer (an external web application) pushes JSON entries to the
// tail of a single list; this package pops them from the head with
// BLPOP, giving FIFO, consume-exactly-once semantics. The pop is
// destructive: an entry popped but not yet published is lost if the
// process crashes in between. That at-most-once window is an accepted
// trade-off of the design — the queue has no peek-and-acknowledge
// protocol.
//
// Isolation: the consumer operates in its own Redis logical database
// and list key so it never collides with other users of the same
// instance.
package queue
