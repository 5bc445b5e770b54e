// Package message defines the queue entry wire format and the signed
// envelope published to the broker.
//
// Two transforms live here:
//
//   - DecodeEntry: queue JSON → QueueEntry, used only on the consumption
//     side (the bridge is a one-way producer toward MQTT).
//   - Encode: QueueEntry → published bytes. The identity transform on
//     the payload when signing is disabled; a JSON SignedEnvelope
//     {payload, hmac, algo} when a Signer is supplied.
//
// Signing is HMAC-SHA256 only. Verify exists for subscribers and tests;
// the bridge itself never verifies, it only signs.
package message
