package queue

import "errors"

// Domain-specific errors for queue operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the queue cannot be reached.
	ErrConnectionFailed = errors.New("queue: connection failed")

	// ErrNoEntry is returned when a bounded pop wait expires with the
	// queue empty. It is a normal outcome of the poll loop, not a fault.
	ErrNoEntry = errors.New("queue: no entry available")
)
