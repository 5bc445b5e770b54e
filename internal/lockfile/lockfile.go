package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// filePermissions is the permission mode for the lock file.
const filePermissions = 0o600

// Record is the content of the lock file: the owning process id and the
// time it acquired the lock. The pid is what makes liveness checkable;
// the timestamp is advisory, for operators inspecting the file.
type Record struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle represents an acquired instance lock. Release must be invoked
// on every exit path; a leaked lock is reclaimable by the next startup
// (self-healing), but reclaiming costs a liveness check and a log line.
type Handle struct {
	path string
	pid  int
}

// Acquire takes the single-instance lock at path.
//
// Semantics are create-if-absent-or-reclaim-if-stale:
//   - No lock file: create it with this process's record.
//   - Lock file with a live holder: fail with ErrAlreadyRunning. The
//     caller should exit rather than run a second bridge against the
//     same queue, which would split message ordering across consumers.
//   - Lock file with a dead holder (or an unreadable record): reclaim
//     by overwriting. This handles crash recovery without manual cleanup.
//
// Parameters:
//   - path: Lock file location, shared by all instances of a deployment
//
// Returns:
//   - *Handle: The held lock
//   - error: ErrAlreadyRunning if a live holder exists, or an I/O error
func Acquire(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	record, err := Read(path)
	switch {
	case err == nil:
		if processAlive(record.PID) {
			return nil, fmt.Errorf("%w: held by pid %d since %s",
				ErrAlreadyRunning, record.PID, record.AcquiredAt.Format(time.RFC3339))
		}
		// Stale record, holder is dead. Fall through and overwrite.
	case errors.Is(err, os.ErrNotExist):
		// No lock, normal startup.
	default:
		// Unreadable or corrupt record: treat as stale and overwrite.
		// A corrupt file cannot name a live holder we could defer to.
	}

	h := &Handle{path: path, pid: os.Getpid()}
	if err := writeRecord(path, h.pid); err != nil {
		return nil, err
	}
	return h, nil
}

// Release removes the lock record.
//
// It only removes the file while it still names this process, so a
// slow shutdown cannot delete a lock that a newer instance has already
// reclaimed.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	record, err := Read(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading lock before release: %w", err)
	}
	if record.PID != h.pid {
		// Another instance owns the lock now; leave it alone.
		return nil
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// PID returns the process id recorded in the handle.
func (h *Handle) PID() int { return h.pid }

// Read loads the lock record at path. Returns os.ErrNotExist (wrapped)
// when no lock file is present.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing lock record: %w", err)
	}
	if record.PID <= 0 {
		return nil, fmt.Errorf("parsing lock record: invalid pid %d", record.PID)
	}
	return &record, nil
}

// Status reports the lock record at path and whether its holder is a
// currently running process. A missing lock file yields (nil, false, nil).
func Status(path string) (*Record, bool, error) {
	record, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record, processAlive(record.PID), nil
}

// Takeover forcibly removes the lock at path for operator-driven
// takeover. A live holder is first asked to stop with SIGTERM and given
// wait to exit; a holder that outlives the grace period is an error —
// this function never escalates to SIGKILL.
//
// This is the only code path that signals another process, and it runs
// solely from the explicit --takeover control command, never as part of
// normal startup.
func Takeover(path string, wait time.Duration) error {
	record, alive, err := Status(path)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	if alive {
		if err := syscall.Kill(record.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signalling holder pid %d: %w", record.PID, err)
		}
		deadline := time.Now().Add(wait)
		for processAlive(record.PID) {
			if time.Now().After(deadline) {
				return fmt.Errorf("holder pid %d did not exit within %s", record.PID, wait)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// writeRecord writes this process's lock record to path.
func writeRecord(path string, pid int) error {
	data, err := json.Marshal(Record{PID: pid, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// processAlive reports whether pid names a currently running process.
// Signal 0 performs the existence check without delivering anything;
// EPERM means the process exists but belongs to another user, which
// still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
