// Package mqtt provides the broker connection manager for Event Relay.
//
// Two layers live here:
//
//   - Session: one live paho connection. Sessions are single-use; when
//     the transport drops they are discarded, never reconnected.
//   - Manager: the connection state machine (Disconnected → Connected,
//     with exponential Backoff between failed attempts and a Fatal
//     outcome when a bounded attempt budget is spent).
//
// # Reconnection
//
// Paho's built-in auto-reconnect is disabled. The Manager owns
// reconnection so that two requirements hold which paho cannot express:
// configuration (broker address, credentials, HMAC secret) is reloaded
// fresh at the top of every attempt, and a configured max_attempts
// budget terminates the process instead of retrying forever.
//
// # Keepalive
//
// The keepalive interval from configuration is handed to paho, which
// guarantees a PINGREQ reaches the broker within the interval even when
// no application messages are pending; brokers typically drop a session
// after 1.5x the interval of silence.
//
// # QoS
//
// The transport validates QoS 0-2, but the bridge publishes exclusively
// at QoS 1 (at-least-once). QoS 0 and 2 are deliberately not exposed to
// the rest of the system.
//
// # Usage
//
//	mgr := mqtt.NewManager(config.FileLoader{Path: path}, st, log)
//	go mgr.Run(ctx)
//	...
//	if err := mgr.Publish(topic, payload, 1, false); err != nil { ... }
package mqtt
