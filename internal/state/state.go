package state

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ConnectionState describes the bridge's current relationship to the
// broker and queue. It is created once at startup, written by the broker
// connection manager and queue consumer, and read by the health monitor.
//
// Thread Safety:
//   - All fields are guarded by a single mutex so that Snapshot always
//     observes a consistent view, never a torn mix of fields.
type ConnectionState struct {
	mu sync.RWMutex

	brokerConnected   bool
	queueConnected    bool
	sessionID         string
	reconnectAttempts int
	lastError         string

	publishedCount int64
	malformedCount int64
	droppedCount   int64
}

// Snapshot is a consistent point-in-time copy of ConnectionState,
// suitable for health reporting and JSON serialisation.
type Snapshot struct {
	BrokerConnected       bool   `json:"broker_connected"`
	QueueConnected        bool   `json:"queue_connected"`
	ClientSessionID       string `json:"client_session_id"`
	ReconnectAttemptCount int    `json:"reconnect_attempt_count"`
	LastError             string `json:"last_error,omitempty"`

	PublishedCount int64 `json:"published_count"`
	MalformedCount int64 `json:"malformed_count"`
	DroppedCount   int64 `json:"dropped_count"`
}

// New creates a ConnectionState with a session identifier derived from
// host identity and process id. The identifier is deliberately not taken
// from configuration: two processes, however misconfigured, can never
// collide on the broker's session table.
func New() *ConnectionState {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}
	return &ConnectionState{
		sessionID: fmt.Sprintf("eventrelay-%s-%d", hostname, os.Getpid()),
	}
}

// SessionID returns the derived client session identifier.
func (s *ConnectionState) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetBrokerConnected records a successful broker connection, resetting
// the reconnect attempt counter and clearing the last error.
func (s *ConnectionState) SetBrokerConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokerConnected = true
	s.reconnectAttempts = 0
	s.lastError = ""
}

// SetBrokerDisconnected records loss of the broker connection.
// A nil err leaves the last error untouched (clean shutdown path).
func (s *ConnectionState) SetBrokerDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokerConnected = false
	if err != nil {
		s.lastError = err.Error()
	}
}

// RecordReconnectAttempt increments the failed-attempt counter and
// records the failure description. Returns the new attempt count.
func (s *ConnectionState) RecordReconnectAttempt(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
	if err != nil {
		s.lastError = err.Error()
	}
	return s.reconnectAttempts
}

// SetQueueConnected records the queue connectivity state. A non-nil err
// is kept as the last error when connectivity is lost.
func (s *ConnectionState) SetQueueConnected(connected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueConnected = connected
	if !connected && err != nil {
		s.lastError = err.Error()
	}
}

// RecordPublished counts a successfully published entry.
func (s *ConnectionState) RecordPublished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishedCount++
}

// RecordMalformed counts a discarded malformed queue entry.
func (s *ConnectionState) RecordMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedCount++
}

// RecordDropped counts an entry dropped after the in-process retry
// budget was exhausted.
func (s *ConnectionState) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedCount++
}

// Snapshot returns a consistent copy of the current state.
func (s *ConnectionState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		BrokerConnected:       s.brokerConnected,
		QueueConnected:        s.queueConnected,
		ClientSessionID:       s.sessionID,
		ReconnectAttemptCount: s.reconnectAttempts,
		LastError:             s.lastError,
		PublishedCount:        s.publishedCount,
		MalformedCount:        s.malformedCount,
		DroppedCount:          s.droppedCount,
	}
}

// StatusDocument wraps a Snapshot with sampling metadata for the status
// file written by the health monitor and read by the --status command.
type StatusDocument struct {
	Snapshot
	QueueDepth int64     `json:"queue_depth"`
	SampledAt  time.Time `json:"sampled_at"`
	PID        int       `json:"pid"`
}
