// Package influxdb provides time-series storage for bridge health metrics.
//
// Each health monitor tick writes one bridge_health point carrying the
// connection snapshot (broker/queue connectivity, reconnect attempts,
// publish counters) and the sampled queue depth. Writes are batched and
// asynchronous; the bridge never blocks on metrics, and a down InfluxDB
// only surfaces through the SetOnError callback.
//
// # Usage
//
//	metrics, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    metrics = nil // health monitor tolerates a nil writer
//	}
//	...
//	metrics.WriteHealthSnapshot(doc)
package influxdb
