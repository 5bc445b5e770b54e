package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
	"github.com/nerrad567/event-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/event-relay/internal/message"
	"github.com/nerrad567/event-relay/internal/messagelog"
	"github.com/nerrad567/event-relay/internal/queue"
	"github.com/nerrad567/event-relay/internal/state"
)

const (
	// deliverQoS is the fixed delivery QoS. The bridge promises
	// at-least-once, so every publish goes out at QoS 1 regardless of
	// what the producer put in the entry.
	deliverQoS = 1

)

// EntrySource yields queue entries in arrival order. Satisfied by the
// queue consumer.
type EntrySource interface {
	Next(ctx context.Context) (*message.QueueEntry, error)
}

// Publisher delivers payloads to the broker. Satisfied by the
// connection manager.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	WaitConnected(ctx context.Context) error
}

// Coordinator is the bridge main loop: pop an entry, encode it, publish
// it, repeat. One entry is in flight at a time, which is what preserves
// queue order end to end.
//
// Thread Safety:
//   - Run executes on a single goroutine. ApplyConfig may be called
//     concurrently (the connection manager calls it after every
//     successful connect).
type Coordinator struct {
	src    EntrySource
	pub    Publisher
	st     *state.ConnectionState
	log    *logging.Logger
	logRep messagelog.Repository // nil when the delivery log is disabled

	// delayUnit is the pause between publish retries and after queue
	// transport errors, so a dead dependency does not produce a tight
	// loop. One second in production; tests shrink it.
	delayUnit time.Duration

	mu            sync.RWMutex
	signer        *message.Signer
	topicPrefix   string
	retryAttempts int
}

// New creates a Coordinator. ApplyConfig must be called with the
// initial configuration before Run.
func New(src EntrySource, pub Publisher, st *state.ConnectionState, logRep messagelog.Repository, log *logging.Logger) *Coordinator {
	return &Coordinator{
		src:       src,
		pub:       pub,
		st:        st,
		log:       log.With("component", "bridge"),
		logRep:    logRep,
		delayUnit: time.Second,
	}
}

// ApplyConfig installs the delivery settings from cfg: the HMAC signer,
// the topic prefix, and the per-entry publish retry budget.
//
// The connection manager calls this after every successful connect, so
// a changed HMAC secret or prefix takes effect on reconnect without
// restarting the process.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	var signer *message.Signer
	if cfg.HMAC.Enabled {
		signer = message.NewSigner(cfg.HMAC.SecretKey)
	}

	c.mu.Lock()
	c.signer = signer
	c.topicPrefix = cfg.MQTT.TopicPrefix
	c.retryAttempts = cfg.MQTT.PublishRetryAttempts
	c.mu.Unlock()
}

// Run consumes and delivers entries until ctx is cancelled.
//
// Returns nil on cancellation. An entry already popped when ctx is
// cancelled gets one final delivery attempt before Run returns, so a
// clean shutdown does not silently discard it.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		entry, err := c.src.Next(ctx)
		switch {
		case err == nil:
			c.st.SetQueueConnected(true, nil)
			c.deliver(ctx, entry)
		case errors.Is(err, queue.ErrNoEntry):
			c.st.SetQueueConnected(true, nil)
		case errors.Is(err, message.ErrMalformedEntry):
			c.st.SetQueueConnected(true, nil)
			c.st.RecordMalformed()
			c.log.Warn("discarding malformed queue entry", "error", err)
		case ctx.Err() != nil:
			return nil
		default:
			c.st.SetQueueConnected(false, err)
			c.log.Warn("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.delayUnit):
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// deliver encodes and publishes one entry, retrying within the
// configured budget. Exhausting the budget drops the entry; queue order
// is never reshuffled by re-enqueueing.
func (c *Coordinator) deliver(ctx context.Context, entry *message.QueueEntry) {
	c.mu.RLock()
	signer := c.signer
	prefix := c.topicPrefix
	attempts := c.retryAttempts
	c.mu.RUnlock()

	if attempts <= 0 {
		attempts = 1
	}

	payload, err := message.Encode(entry, signer)
	if err != nil {
		// Encoding only fails on unmarshallable payloads, which
		// DecodeEntry has already excluded; treat it like malformed
		// input rather than crash.
		c.st.RecordMalformed()
		c.log.Error("encoding entry failed", "topic", entry.Topic, "error", err)
		return
	}

	topic := prefixedTopic(prefix, entry.Topic)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.pub.Publish(topic, payload, deliverQoS, entry.Retain)
		if lastErr == nil {
			c.st.RecordPublished()
			c.record(entry, topic, true, "")
			return
		}

		if attempt == attempts {
			break
		}

		if err := c.awaitRetry(ctx, lastErr); err != nil {
			// Shutting down: one final immediate attempt, then give up.
			if finalErr := c.pub.Publish(topic, payload, deliverQoS, entry.Retain); finalErr == nil {
				c.st.RecordPublished()
				c.record(entry, topic, true, "")
				return
			}
			break
		}
	}

	c.st.RecordDropped()
	c.log.Error("dropping entry after exhausted publish retries",
		"topic", topic,
		"attempts", attempts,
		"error", lastErr,
	)
	c.record(entry, topic, false, fmt.Sprintf("%v", lastErr))
}

// awaitRetry waits for the right moment to retry: a fresh session when
// the failure was a disconnect, a short pause otherwise. Returns an
// error only when ctx is cancelled.
func (c *Coordinator) awaitRetry(ctx context.Context, cause error) error {
	if errors.Is(cause, mqtt.ErrNotConnected) {
		return c.pub.WaitConnected(ctx)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delayUnit):
		return nil
	}
}

// record appends a delivery log row. Log failures are reported but
// never affect delivery.
func (c *Coordinator) record(entry *message.QueueEntry, topic string, success bool, errMsg string) {
	if c.logRep == nil {
		return
	}

	rec := &messagelog.Record{
		Topic:        topic,
		Payload:      entry.Payload,
		QoS:          deliverQoS,
		Retained:     entry.Retain,
		Success:      success,
		ErrorMessage: errMsg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.logRep.Create(ctx, rec); err != nil {
		c.log.Warn("recording delivery failed", "topic", topic, "error", err)
	}
}

// prefixedTopic joins the configured prefix with the entry topic.
func prefixedTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}
