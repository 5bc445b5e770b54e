package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueEntry is the unit dequeued from the backing queue.
//
// Entries are created by an external producer pushing to the tail of the
// queue and consumed exactly once by the bridge's pop loop. They are
// never mutated after decoding.
type QueueEntry struct {
	// Topic is the MQTT topic path (hierarchical, /-delimited).
	Topic string `json:"topic"`

	// Payload is an opaque blob, typically JSON produced upstream.
	Payload string `json:"payload"`

	// QoS is carried on the wire for forward compatibility but the
	// bridge always publishes at QoS 1 regardless of this value.
	QoS int `json:"qos"`

	// Retain marks the message as the topic's last known value.
	Retain bool `json:"retain"`

	// EnqueuedAt is advisory only, used for lag metrics. Ordering is
	// FIFO by queue position, never by timestamp.
	EnqueuedAt time.Time `json:"enqueued_at,omitzero"`
}

// rawEntry uses pointers for the required fields so that an absent field
// can be distinguished from a present-but-empty one.
type rawEntry struct {
	Topic      *string   `json:"topic"`
	Payload    *string   `json:"payload"`
	QoS        int       `json:"qos"`
	Retain     bool      `json:"retain"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DecodeEntry parses a queue entry from its JSON wire form.
//
// Topic and payload are required; qos, retain and enqueued_at default
// when absent. Any failure — invalid JSON or a missing required field —
// is reported as ErrMalformedEntry so callers can discard the entry
// without retrying (retrying a malformed entry cannot succeed).
//
// Parameters:
//   - data: Raw bytes popped from the queue
//
// Returns:
//   - *QueueEntry: Decoded entry
//   - error: Wrapping ErrMalformedEntry on any decode failure
func DecodeEntry(data []byte) (*QueueEntry, error) {
	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEntry, err)
	}
	if raw.Topic == nil || *raw.Topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrMalformedEntry)
	}
	if raw.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEntry)
	}

	return &QueueEntry{
		Topic:      *raw.Topic,
		Payload:    *raw.Payload,
		QoS:        raw.QoS,
		Retain:     raw.Retain,
		EnqueuedAt: raw.EnqueuedAt,
	}, nil
}

// Encode produces the bytes to publish to the broker for an entry.
//
// With a nil signer this is the identity transform on the payload: the
// raw payload bytes are published unchanged. With a signer the payload
// is wrapped in a SignedEnvelope and the envelope's JSON serialisation
// becomes the published bytes. Subscribers must therefore expect two
// wire shapes depending on whether signing is enabled.
func Encode(entry *QueueEntry, signer *Signer) ([]byte, error) {
	if signer == nil {
		return []byte(entry.Payload), nil
	}

	env := SignedEnvelope{
		Payload: entry.Payload,
		HMAC:    signer.Sign(entry.Payload),
		Algo:    AlgoSHA256,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding signed envelope: %w", err)
	}
	return data, nil
}
