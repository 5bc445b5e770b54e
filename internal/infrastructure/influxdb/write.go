package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/event-relay/internal/state"
)

// WriteHealthSnapshot records one health sample as a bridge_health point.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Connectivity booleans are stored as 0/1 integers so dashboards can
// graph uptime directly.
//
// Parameters:
//   - doc: The status document assembled by the health monitor
func (c *Client) WriteHealthSnapshot(doc state.StatusDocument) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"bridge_health",
		map[string]string{
			"session_id": doc.ClientSessionID,
		},
		map[string]interface{}{
			"broker_connected":   boolField(doc.BrokerConnected),
			"queue_connected":    boolField(doc.QueueConnected),
			"queue_depth":        doc.QueueDepth,
			"reconnect_attempts": doc.ReconnectAttemptCount,
			"published":          doc.PublishedCount,
			"malformed":          doc.MalformedCount,
			"dropped":            doc.DroppedCount,
		},
		doc.SampledAt,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

func boolField(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
