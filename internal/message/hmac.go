package message

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// AlgoSHA256 is the only envelope algorithm this system produces.
// The field is present on the wire for explicit signaling to
// subscribers and forward compatibility, not for negotiation.
const AlgoSHA256 = "sha256"

// SignedEnvelope wraps a payload with its authentication code. The
// envelope itself is serialised as JSON and published in place of the
// raw payload when signing is enabled.
//
// Invariant: HMAC == hex(HMAC-SHA256(secret, Payload)).
type SignedEnvelope struct {
	Payload string `json:"payload"`
	HMAC    string `json:"hmac"`
	Algo    string `json:"algo"`
}

// Signer computes HMAC-SHA256 authentication codes under a fixed secret.
//
// HMAC-SHA256 is offered exclusively — no other algorithm — to keep the
// verification contract unambiguous across all subscribers. Sign and
// Verify are pure functions; the secret is captured at construction, so
// key rotation takes effect when the caller builds a new Signer (the
// bridge does this on every broker reconnect).
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer for the given secret key.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 digest of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a serialised envelope against the given secret.
//
// It recomputes the digest over the envelope's payload and compares in
// constant time. Any failure — malformed envelope JSON, an unexpected
// algorithm, an undecodable or mismatching digest — yields (false, "").
//
// Parameters:
//   - envelope: JSON bytes of a SignedEnvelope
//   - secret: The shared secret key
//
// Returns:
//   - bool: Whether the envelope is authentic
//   - string: The original payload when authentic, empty otherwise
func Verify(envelope []byte, secret string) (bool, string) {
	var env SignedEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return false, ""
	}
	if env.Algo != AlgoSHA256 {
		return false, ""
	}

	claimed, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return false, ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(env.Payload))
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return false, ""
	}

	return true, env.Payload
}
