package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/event-relay/internal/infrastructure/config"
	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
	"github.com/nerrad567/event-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/event-relay/internal/message"
	"github.com/nerrad567/event-relay/internal/messagelog"
	"github.com/nerrad567/event-relay/internal/state"
)

// fakeSource replays a fixed sequence of pops, then blocks until ctx
// is cancelled the way a BLPOP loop on an empty queue would.
type fakeSource struct {
	mu   sync.Mutex
	pops []popResult
}

type popResult struct {
	entry *message.QueueEntry
	err   error
}

func (f *fakeSource) Next(ctx context.Context) (*message.QueueEntry, error) {
	f.mu.Lock()
	if len(f.pops) > 0 {
		pop := f.pops[0]
		f.pops = f.pops[1:]
		f.mu.Unlock()
		return pop.entry, pop.err
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

// fakePublisher records publishes and can fail the first N attempts.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishCall
	failures  int
	failWith  error
	connected chan struct{} // closed when WaitConnected should return
}

type publishCall struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newFakePublisher() *fakePublisher {
	connected := make(chan struct{})
	close(connected)
	return &fakePublisher{failWith: mqtt.ErrNotConnected, connected: connected}
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	f.published = append(f.published, publishCall{topic, payload, qos, retained})
	return nil
}

func (f *fakePublisher) WaitConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.connected:
		return nil
	}
}

func (f *fakePublisher) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.published...)
}

func entry(topic, payload string) popResult {
	return popResult{entry: &message.QueueEntry{Topic: topic, Payload: payload, QoS: 1}}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MQTT.PublishRetryAttempts = 3
	return cfg
}

// runToDrain runs the coordinator until the source is drained and the
// expected publishes (or drops) have landed, then cancels.
func runToDrain(t *testing.T, c *Coordinator, settled func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !settled() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("coordinator did not settle")
		case <-time.After(2 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunDeliversInOrder(t *testing.T) {
	src := &fakeSource{pops: []popResult{
		entry("device/1", "a"),
		entry("device/2", "b"),
		entry("device/3", "c"),
	}}
	pub := newFakePublisher()
	st := state.New()

	c := New(src, pub, st, nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool { return len(pub.calls()) == 3 })

	calls := pub.calls()
	for i, want := range []string{"device/1", "device/2", "device/3"} {
		if calls[i].topic != want {
			t.Errorf("publish #%d topic = %q, want %q (queue order)", i, calls[i].topic, want)
		}
		if calls[i].qos != 1 {
			t.Errorf("publish #%d qos = %d, want 1", i, calls[i].qos)
		}
	}
	if got := st.Snapshot().PublishedCount; got != 3 {
		t.Errorf("PublishedCount = %d, want 3", got)
	}
}

func TestRunRetriesAfterDisconnect(t *testing.T) {
	src := &fakeSource{pops: []popResult{entry("device/1", "a")}}
	pub := newFakePublisher()
	pub.failures = 2 // first two attempts hit ErrNotConnected
	st := state.New()

	c := New(src, pub, st, nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	snap := st.Snapshot()
	if snap.PublishedCount != 1 {
		t.Errorf("PublishedCount = %d, want 1", snap.PublishedCount)
	}
	if snap.DroppedCount != 0 {
		t.Errorf("DroppedCount = %d, want 0", snap.DroppedCount)
	}
}

func TestRunDropsAfterExhaustedRetries(t *testing.T) {
	src := &fakeSource{pops: []popResult{
		entry("device/1", "a"),
		entry("device/2", "b"),
	}}
	pub := newFakePublisher()
	pub.failures = 3 // the whole budget for the first entry
	pub.failWith = errors.New("publish failed: timeout")
	st := state.New()

	c := New(src, pub, st, nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool {
		return len(pub.calls()) == 1 && st.Snapshot().DroppedCount == 1
	})

	// The first entry was dropped, the second still went out: one bad
	// entry never wedges the stream.
	calls := pub.calls()
	if calls[0].topic != "device/2" {
		t.Errorf("surviving publish topic = %q, want device/2", calls[0].topic)
	}
	snap := st.Snapshot()
	if snap.PublishedCount != 1 || snap.DroppedCount != 1 {
		t.Errorf("counters published/dropped = %d/%d, want 1/1", snap.PublishedCount, snap.DroppedCount)
	}
}

func TestRunDiscardsMalformed(t *testing.T) {
	src := &fakeSource{pops: []popResult{
		{err: fmt.Errorf("decoding queue entry: %w", message.ErrMalformedEntry)},
		entry("device/1", "a"),
	}}
	pub := newFakePublisher()
	st := state.New()

	c := New(src, pub, st, nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	snap := st.Snapshot()
	if snap.MalformedCount != 1 {
		t.Errorf("MalformedCount = %d, want 1", snap.MalformedCount)
	}
	if snap.PublishedCount != 1 {
		t.Errorf("PublishedCount = %d, want 1 (stream continues past malformed)", snap.PublishedCount)
	}
}

func TestRunMarksQueueDownOnTransportError(t *testing.T) {
	src := &fakeSource{pops: []popResult{
		{err: errors.New("queue: connection refused")},
		entry("device/1", "a"),
	}}
	pub := newFakePublisher()
	st := state.New()

	c := New(src, pub, st, nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	// The successful pop after the error flips queue connectivity back.
	if !st.Snapshot().QueueConnected {
		t.Error("QueueConnected = false after recovery, want true")
	}
}

func TestDeliverSignsWhenHMACEnabled(t *testing.T) {
	src := &fakeSource{pops: []popResult{entry("device/1", `{"event":"tool_enabled","tool_id":7}`)}}
	pub := newFakePublisher()

	cfg := testConfig()
	cfg.HMAC.Enabled = true
	cfg.HMAC.SecretKey = "s3cret"

	c := New(src, pub, state.New(), nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(cfg)

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	wire := pub.calls()[0].payload
	ok, payload := message.Verify(wire, "s3cret")
	if !ok {
		t.Fatalf("published envelope failed verification: %s", wire)
	}
	if payload != `{"event":"tool_enabled","tool_id":7}` {
		t.Errorf("verified payload = %q, want the original", payload)
	}
}

func TestDeliverPassthroughWhenHMACDisabled(t *testing.T) {
	src := &fakeSource{pops: []popResult{entry("device/1", `{"event":"tool_enabled"}`)}}
	pub := newFakePublisher()

	c := New(src, pub, state.New(), nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	wire := pub.calls()[0].payload
	if string(wire) != `{"event":"tool_enabled"}` {
		t.Errorf("published payload = %s, want the raw payload byte for byte", wire)
	}

	// Specifically not an envelope.
	var envelope map[string]any
	if json.Unmarshal(wire, &envelope) == nil {
		if _, isEnvelope := envelope["hmac"]; isEnvelope {
			t.Error("payload wrapped in signed envelope with HMAC disabled")
		}
	}
}

func TestDeliverAppliesTopicPrefix(t *testing.T) {
	src := &fakeSource{pops: []popResult{entry("device/1", "a")}}
	pub := newFakePublisher()

	cfg := testConfig()
	cfg.MQTT.TopicPrefix = "lab"

	c := New(src, pub, state.New(), nil, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(cfg)

	runToDrain(t, c, func() bool { return len(pub.calls()) == 1 })

	if got := pub.calls()[0].topic; got != "lab/device/1" {
		t.Errorf("published topic = %q, want %q", got, "lab/device/1")
	}
}

// recordingRepo captures delivery log rows in memory.
type recordingRepo struct {
	mu   sync.Mutex
	recs []messagelog.Record
}

func (r *recordingRepo) Create(_ context.Context, rec *messagelog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, *rec)
	return nil
}

func (r *recordingRepo) List(_ context.Context, _ messagelog.Filter) (*messagelog.ListResult, error) {
	return &messagelog.ListResult{}, nil
}

func (r *recordingRepo) Prune(_ context.Context, _ int) (int64, error) { return 0, nil }

func TestDeliverRecordsOutcomes(t *testing.T) {
	src := &fakeSource{pops: []popResult{
		entry("device/1", "a"),
		entry("device/2", "b"),
	}}
	pub := newFakePublisher()
	pub.failures = 3
	pub.failWith = errors.New("publish failed: timeout")
	repo := &recordingRepo{}
	st := state.New()

	c := New(src, pub, st, repo, logging.Default())
	c.delayUnit = time.Millisecond
	c.ApplyConfig(testConfig())

	runToDrain(t, c, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.recs) == 2
	})

	repo.mu.Lock()
	defer repo.mu.Unlock()
	failed, succeeded := repo.recs[0], repo.recs[1]
	if failed.Success || failed.ErrorMessage == "" {
		t.Errorf("first record = %+v, want failed with error message", failed)
	}
	if !succeeded.Success || succeeded.Topic != "device/2" {
		t.Errorf("second record = %+v, want successful device/2", succeeded)
	}
}

func TestPrefixedTopic(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		topic  string
		want   string
	}{
		{"no prefix", "", "device/1", "device/1"},
		{"simple prefix", "lab", "device/1", "lab/device/1"},
		{"nested prefix", "site/a", "device/1", "site/a/device/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prefixedTopic(tt.prefix, tt.topic); got != tt.want {
				t.Errorf("prefixedTopic(%q, %q) = %q, want %q", tt.prefix, tt.topic, got, tt.want)
			}
		})
	}
}
