package message

import (
	"encoding/json"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payloads := []struct {
		name    string
		payload string
	}{
		{"json object", `{"event":"tool_enabled","tool_id":7}`},
		{"empty string", ""},
		{"non-ascii", "température: 21.5°C ☀"},
		{"embedded quotes", `he said "stop"`},
		{"long", string(make([]byte, 4096))},
	}

	for _, tt := range payloads {
		t.Run(tt.name, func(t *testing.T) {
			const secret = "round-trip-secret"
			signer := NewSigner(secret)

			env, err := json.Marshal(SignedEnvelope{
				Payload: tt.payload,
				HMAC:    signer.Sign(tt.payload),
				Algo:    AlgoSHA256,
			})
			if err != nil {
				t.Fatalf("marshalling envelope: %v", err)
			}

			ok, got := Verify(env, secret)
			if !ok {
				t.Fatal("Verify() = false for freshly signed envelope")
			}
			if got != tt.payload {
				t.Errorf("Verify() payload = %q, want %q", got, tt.payload)
			}
		})
	}
}

func TestVerifyTampered(t *testing.T) {
	const secret = "s3cret"
	signer := NewSigner(secret)

	fresh := func() SignedEnvelope {
		return SignedEnvelope{
			Payload: `{"event":"tool_enabled","tool_id":7}`,
			HMAC:    signer.Sign(`{"event":"tool_enabled","tool_id":7}`),
			Algo:    AlgoSHA256,
		}
	}

	tests := []struct {
		name   string
		mutate func(*SignedEnvelope)
	}{
		{
			name: "payload bit flipped",
			mutate: func(e *SignedEnvelope) {
				b := []byte(e.Payload)
				b[0] ^= 0x01
				e.Payload = string(b)
			},
		},
		{
			name: "hmac bit flipped",
			mutate: func(e *SignedEnvelope) {
				b := []byte(e.HMAC)
				if b[0] == 'a' {
					b[0] = 'b'
				} else {
					b[0] = 'a'
				}
				e.HMAC = string(b)
			},
		},
		{
			name:   "hmac truncated",
			mutate: func(e *SignedEnvelope) { e.HMAC = e.HMAC[:32] },
		},
		{
			name:   "hmac not hex",
			mutate: func(e *SignedEnvelope) { e.HMAC = "zz" + e.HMAC[2:] },
		},
		{
			name:   "unexpected algorithm",
			mutate: func(e *SignedEnvelope) { e.Algo = "sha512" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := fresh()
			tt.mutate(&env)

			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("marshalling envelope: %v", err)
			}

			if ok, payload := Verify(data, secret); ok || payload != "" {
				t.Errorf("Verify() = (%v, %q), want (false, \"\")", ok, payload)
			}
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := NewSigner("secret-a")
	env, _ := json.Marshal(SignedEnvelope{
		Payload: "hello",
		HMAC:    signer.Sign("hello"),
		Algo:    AlgoSHA256,
	})

	if ok, _ := Verify(env, "secret-b"); ok {
		t.Error("Verify() = true under the wrong secret")
	}
}

func TestVerifyMalformedJSON(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		`{"payload":`,
		`[]`,
	}
	for _, in := range inputs {
		if ok, payload := Verify([]byte(in), "s3cret"); ok || payload != "" {
			t.Errorf("Verify(%q) = (%v, %q), want (false, \"\")", in, ok, payload)
		}
	}
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner("k")
	if signer.Sign("x") != signer.Sign("x") {
		t.Error("Sign() is not deterministic for identical input")
	}
	if signer.Sign("x") == signer.Sign("y") {
		t.Error("Sign() produced identical digests for different payloads")
	}
}
