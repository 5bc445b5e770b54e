package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
	"github.com/nerrad567/event-relay/internal/state"
)

// session is the slice of Session the Manager depends on. Tests inject
// fakes through the dial function.
type session interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	Close() error
}

// dialFunc establishes one broker connection. onLost fires if the
// established connection later drops.
type dialFunc func(cfg *config.Config, sessionID string, onLost func(error)) (session, error)

// Manager owns the MQTT client lifecycle: connect, reconnect with
// exponential backoff, and clean shutdown.
//
// State machine:
//
//	Disconnected ──connect ok──▶ Connected
//	     │  ▲                        │
//	connect │                   transport
//	 failed │                      error
//	     ▼  └──────────────────────┘
//	  Backoff ──budget exhausted──▶ Fatal (Run returns ErrReconnectExhausted)
//
// Configuration is reloaded fresh at the top of every connect attempt —
// broker address, credentials, keepalive and the HMAC secret all take
// effect on the next reconnect without a process restart.
//
// Thread Safety:
//   - Run executes on a single goroutine; Publish, IsConnected,
//     CurrentConfig and WaitConnected may be called from any goroutine.
type Manager struct {
	loader config.Loader
	st     *state.ConnectionState
	log    *logging.Logger

	dial dialFunc

	// delayUnit scales configured delay seconds; tests shrink it so
	// backoff sequences complete in milliseconds.
	delayUnit time.Duration

	mu      sync.RWMutex
	sess    session
	cfg     *config.Config
	connCh chan struct{} // closed while Connected; replaced on disconnect
	onConn func(cfg *config.Config)

	lostCh chan error
}

// NewManager creates a Manager. Run must be called to start connecting.
//
// Parameters:
//   - loader: Source of fresh configuration per connect attempt
//   - st: Shared connection state (this manager is its broker-side writer)
//   - log: Logger for connect/disconnect records
func NewManager(loader config.Loader, st *state.ConnectionState, log *logging.Logger) *Manager {
	return &Manager{
		loader:    loader,
		st:        st,
		log:       log.With("component", "mqtt"),
		dial: func(cfg *config.Config, sessionID string, onLost func(error)) (session, error) {
			return dialSession(cfg, sessionID, onLost)
		},
		delayUnit: time.Second,
		connCh:    make(chan struct{}),
		lostCh:    make(chan error, 1),
	}
}

// SetOnConnect registers a callback invoked after every successful
// connect (initial and reconnects) with the configuration that attempt
// loaded. The bridge uses it to refresh its signer and topic prefix.
// Must be called before Run.
func (m *Manager) SetOnConnect(fn func(cfg *config.Config)) {
	m.mu.Lock()
	m.onConn = fn
	m.mu.Unlock()
}

// Run drives the connection state machine until ctx is cancelled or the
// reconnect budget is exhausted.
//
// Returns:
//   - nil: ctx cancelled, session closed cleanly
//   - ErrReconnectExhausted (wrapped): the configured attempt budget ran
//     out; the process should exit non-zero rather than spin silently
//   - other error: reconnection is disabled and the connection dropped
func (m *Manager) Run(ctx context.Context) error {
	defer m.closeSession()

	for {
		cfg, err := m.loader.Load()
		if err != nil {
			// A bad config file is a failed attempt like any other:
			// the operator may be mid-edit, so back off and retry.
			if fatalErr := m.handleFailure(ctx, m.currentOrDefault(), fmt.Errorf("loading config: %w", err)); fatalErr != nil {
				return fatalErr
			}
			continue
		}

		sess, err := m.dial(cfg, m.st.SessionID(), m.connectionLost)
		if err != nil {
			if fatalErr := m.handleFailure(ctx, cfg, err); fatalErr != nil {
				return fatalErr
			}
			continue
		}

		m.becomeConnected(sess, cfg)
		m.log.Info("broker connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"session_id", m.st.SessionID(),
		)

		select {
		case <-ctx.Done():
			return nil
		case lostErr := <-m.lostCh:
			m.becomeDisconnected(lostErr)
			m.log.Warn("broker connection lost", "error", lostErr)
			if !cfg.MQTT.Reconnect.Enabled {
				return fmt.Errorf("connection lost with reconnect disabled: %w", lostErr)
			}
		}
	}
}

// handleFailure records a failed connect attempt, enforces the attempt
// budget, and sleeps the backoff delay. A non-nil return is fatal.
func (m *Manager) handleFailure(ctx context.Context, cfg *config.Config, err error) error {
	attempt := m.st.RecordReconnectAttempt(err)
	maxAttempts := cfg.MQTT.Reconnect.MaxAttempts

	delay := Backoff(
		time.Duration(cfg.MQTT.Reconnect.InitialDelay)*m.delayUnit,
		time.Duration(cfg.MQTT.Reconnect.MaxDelay)*m.delayUnit,
		attempt,
	)

	m.log.Warn("broker connect attempt failed",
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"retry_in", delay,
		"error", err,
	)

	if maxAttempts > 0 && attempt >= maxAttempts {
		return fmt.Errorf("%w: %d failed attempts: %w", ErrReconnectExhausted, attempt, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Backoff computes the capped exponential delay before the next attempt:
// min(base * 2^(attempt-1), cap) for attempt >= 1. Each delay is
// strictly greater than the previous until the cap is reached.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap || delay < 0 {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// connectionLost feeds a transport drop into the Run loop. Buffered so
// the paho callback never blocks; a second loss for the same session is
// redundant and dropped.
func (m *Manager) connectionLost(err error) {
	select {
	case m.lostCh <- err:
	default:
	}
}

// becomeConnected installs the new session and signals waiters.
func (m *Manager) becomeConnected(sess session, cfg *config.Config) {
	m.mu.Lock()
	m.sess = sess
	m.cfg = cfg
	close(m.connCh)
	onConn := m.onConn
	m.mu.Unlock()

	m.st.SetBrokerConnected()

	if onConn != nil {
		onConn(cfg)
	}
}

// becomeDisconnected clears the session and re-arms the waiter channel.
func (m *Manager) becomeDisconnected(err error) {
	m.mu.Lock()
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.connCh = make(chan struct{})
	m.mu.Unlock()

	m.st.SetBrokerDisconnected(err)
}

// closeSession tears down any live session on shutdown. The explicit
// disconnect inside Session.Close keeps the broker from holding a stale
// session entry.
func (m *Manager) closeSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.st.SetBrokerDisconnected(nil)
}

// Publish sends payload to topic via the active session.
//
// Returns ErrNotConnected while no session is established; the caller
// (the bridge coordinator) holds the entry and retries after
// WaitConnected reports a fresh session.
func (m *Manager) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()

	if sess == nil {
		return ErrNotConnected
	}
	return sess.Publish(topic, payload, qos, retained)
}

// IsConnected reports whether a broker session is currently live.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	return sess != nil && sess.IsConnected()
}

// WaitConnected blocks until the manager is Connected or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.RLock()
		ch := m.connCh
		connected := m.sess != nil
		m.mu.RUnlock()

		if connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// CurrentConfig returns the configuration loaded by the most recent
// successful connect attempt, or nil before the first connection.
func (m *Manager) CurrentConfig() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// currentOrDefault returns the last good config for backoff parameters
// when loading fails before any connection succeeded.
func (m *Manager) currentOrDefault() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg != nil {
		return m.cfg
	}
	return config.Default()
}
