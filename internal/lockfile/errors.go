package lockfile

import "errors"

// Domain-specific errors for instance locking.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyRunning is returned when another live bridge process
	// holds the instance lock. Callers should exit rather than retry.
	ErrAlreadyRunning = errors.New("lockfile: another instance is already running")
)
