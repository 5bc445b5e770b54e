package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a single
	// connection attempt. Attempt pacing beyond this is the Manager's
	// backoff, not the session's concern.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// maxQoS is the maximum QoS level the transport validates. The
	// bridge itself always publishes at QoS 1.
	maxQoS = 2

	// maxPayloadSize caps published payloads (1MB), aligning with
	// typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Session is a single live connection to the MQTT broker.
//
// Sessions are created by the Manager, one per successful connect
// attempt, and are never reconnected: when the transport drops, the
// session reports the loss and the Manager dials a fresh one (reloading
// configuration first). Paho's own auto-reconnect is disabled for
// exactly that reason.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Session struct {
	client pahomqtt.Client

	statusTopic string
	sessionID   string

	connected bool
	connMu    sync.RWMutex
}

// dialSession establishes one connection to the broker described by cfg.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Sets the derived session identifier as the client id
//  3. Configures Last Will and Testament on the bridge status topic
//  4. Attempts the connection with a timeout
//  5. Publishes a retained online status document
//
// onLost is invoked once if the established connection later drops.
func dialSession(cfg *config.Config, sessionID string, onLost func(error)) (*Session, error) {
	opts := buildClientOptions(cfg, sessionID)

	s := &Session{
		statusTopic: StatusTopic(cfg.MQTT.TopicPrefix),
		sessionID:   sessionID,
	}
	configureLWT(opts, s.statusTopic, sessionID)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.connMu.Lock()
		s.connected = false
		s.connMu.Unlock()
		if onLost != nil {
			onLost(err)
		}
	})

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s.connMu.Lock()
	s.connected = true
	s.connMu.Unlock()

	// Retained online status so subscribers can distinguish a running
	// bridge from one that crashed (LWT) or shut down cleanly.
	s.client.Publish(s.statusTopic, 1, true, buildStatusPayload(sessionID, "online", ""))

	return s, nil
}

// buildClientOptions creates paho MQTT options from bridge config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Derived client id (never user-configured)
//   - Authentication credentials (if provided)
//   - Keepalive, so some packet reaches the broker within the interval
//     even when no application messages are pending
//   - Clean session mode
//
// Auto-reconnect and connect-retry are deliberately OFF: reconnection
// belongs to the Manager so that configuration is reloaded on every
// attempt and the attempt budget is enforceable.
func buildClientOptions(cfg *config.Config, sessionID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.MQTT.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))

	opts.SetClientID(sessionID)

	if cfg.MQTT.Auth.Username != "" {
		opts.SetUsername(cfg.MQTT.Auth.Username)
		opts.SetPassword(cfg.MQTT.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(cfg.Keepalive())

	if cfg.MQTT.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT is published by the broker if the session drops without a
// clean disconnect (crash, network failure), so subscribers can tell a
// dead bridge from an idle one.
func configureLWT(opts *pahomqtt.ClientOptions, statusTopic, sessionID string) {
	opts.SetWill(statusTopic, string(buildStatusPayload(sessionID, "offline", "unexpected_disconnect")), 1, true)
}

// buildStatusPayload creates the JSON status document for the bridge
// status topic.
func buildStatusPayload(sessionID, status, reason string) []byte {
	if reason == "" {
		return fmt.Appendf(nil, `{"status":%q,"session_id":%q,"timestamp":%q}`,
			status, sessionID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Appendf(nil, `{"status":%q,"session_id":%q,"reason":%q,"timestamp":%q}`,
		status, sessionID, reason, time.Now().UTC().Format(time.RFC3339))
}

// StatusTopic returns the bridge status topic under the given prefix.
func StatusTopic(prefix string) string {
	if prefix == "" {
		return "bridge/status"
	}
	return prefix + "/bridge/status"
}

// Publish sends a message to the specified MQTT topic and waits for the
// broker's acknowledgment.
//
// Parameters:
//   - topic: The topic to publish to
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (the bridge always passes 1)
//   - retained: Whether the broker should retain the message
//
// Returns:
//   - error: nil on acknowledged publish, or wrapped error describing the failure
func (s *Session) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}

	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// IsConnected returns the current connection state.
func (s *Session) IsConnected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.connected && s.client.IsConnected()
}

// Close disconnects from the broker cleanly.
//
// It publishes a retained graceful-offline status (distinct from the
// LWT crash status), waits briefly for pending operations, then sends
// an explicit MQTT disconnect so the broker does not hold a stale
// session.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}

	if s.IsConnected() {
		token := s.client.Publish(s.statusTopic, 1, true, buildStatusPayload(s.sessionID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	s.client.Disconnect(defaultDisconnectQuiesce)

	s.connMu.Lock()
	s.connected = false
	s.connMu.Unlock()

	return nil
}
