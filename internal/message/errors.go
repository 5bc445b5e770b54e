package message

import "errors"

// Domain-specific errors for queue entry handling.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformedEntry is returned when a queue entry cannot be decoded
	// or is missing a required field (topic, payload). Malformed entries
	// are discarded, never retried.
	ErrMalformedEntry = errors.New("message: malformed queue entry")
)
