package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nerrad567/event-relay/internal/infrastructure/logging"
	"github.com/nerrad567/event-relay/internal/state"
)

// depthTimeout bounds the queue depth probe so a hung Redis cannot
// stall the monitor tick.
const depthTimeout = 3 * time.Second

// DepthProber reports the number of entries waiting in the queue.
// Satisfied by the queue consumer.
type DepthProber interface {
	Depth(ctx context.Context) (int64, error)
}

// MetricsWriter receives one point per sample. Satisfied by the
// InfluxDB client; nil when metrics are disabled.
type MetricsWriter interface {
	WriteHealthSnapshot(doc state.StatusDocument)
}

// Monitor periodically samples bridge health and publishes it to three
// sinks: the structured log, an optional status file (read by the
// --status command), and an optional metrics writer.
//
// The monitor is strictly observational. It never mutates connection
// state and never blocks message delivery; a failed sample is logged
// and the next tick proceeds.
type Monitor struct {
	st       *state.ConnectionState
	depth    DepthProber
	metrics  MetricsWriter
	log      *logging.Logger
	interval time.Duration
	file     string
}

// New creates a Monitor.
//
// Parameters:
//   - st: Shared connection state (read-only here)
//   - depth: Queue depth prober, or nil to skip depth sampling
//   - metrics: Metrics sink, or nil when disabled
//   - log: Logger for the periodic health record
//   - interval: Time between samples
//   - statusFile: Path for the status document, empty to disable
func New(st *state.ConnectionState, depth DepthProber, metrics MetricsWriter, log *logging.Logger, interval time.Duration, statusFile string) *Monitor {
	return &Monitor{
		st:       st,
		depth:    depth,
		metrics:  metrics,
		log:      log.With("component", "health"),
		interval: interval,
		file:     statusFile,
	}
}

// Run samples on a fixed interval until ctx is cancelled. An immediate
// first sample runs before the first tick so the status file exists as
// soon as the bridge is up.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.removeStatusFile()
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample takes one health reading and fans it out to the sinks.
func (m *Monitor) sample(ctx context.Context) {
	doc := state.StatusDocument{
		Snapshot:   m.st.Snapshot(),
		QueueDepth: -1, // unknown until probed
		SampledAt:  time.Now().UTC(),
		PID:        os.Getpid(),
	}

	if m.depth != nil {
		probeCtx, cancel := context.WithTimeout(ctx, depthTimeout)
		depth, err := m.depth.Depth(probeCtx)
		cancel()
		if err != nil {
			m.log.Warn("queue depth probe failed", "error", err)
		} else {
			doc.QueueDepth = depth
		}
	}

	m.log.Info("health sample",
		"broker_connected", doc.BrokerConnected,
		"queue_connected", doc.QueueConnected,
		"queue_depth", doc.QueueDepth,
		"reconnect_attempts", doc.ReconnectAttemptCount,
		"published", doc.PublishedCount,
		"malformed", doc.MalformedCount,
		"dropped", doc.DroppedCount,
	)

	if m.file != "" {
		if err := writeStatusFile(m.file, doc); err != nil {
			m.log.Warn("writing status file failed", "path", m.file, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.WriteHealthSnapshot(doc)
	}
}

// writeStatusFile writes the document atomically (temp file + rename)
// so a concurrent --status reader never sees a partial JSON document.
func writeStatusFile(path string, doc state.StatusDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling status document: %w", err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("replacing status file: %w", err)
	}
	return nil
}

// ReadStatusFile loads a status document previously written by a
// running bridge. Used by the --status command.
func ReadStatusFile(path string) (*state.StatusDocument, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading status file: %w", err)
	}

	var doc state.StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing status file: %w", err)
	}
	return &doc, nil
}

// removeStatusFile deletes the status file on shutdown so --status
// reports a stopped bridge instead of stale data.
func (m *Monitor) removeStatusFile() {
	if m.file == "" {
		return
	}
	_ = os.Remove(m.file) //nolint:errcheck // Nothing to do if already gone
}
