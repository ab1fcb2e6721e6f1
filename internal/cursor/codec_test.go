package cursor

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func codecAt(t *testing.T, now int64) *Codec {
	t.Helper()
	return NewCodec(CodecConfig{
		Secret:               testSecret,
		DefaultMaxAgeSeconds: 600,
		ClockSkewSeconds:     30,
		Now:                  func() time.Time { return time.Unix(now, 0) },
	})
}

func encodeOffset(t *testing.T, c *Codec, tok OffsetToken) string {
	t.Helper()
	token, err := c.EncodeOffsetToken(tok)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return token
}

func TestOffsetToken_RoundTrip(t *testing.T) {
	c := codecAt(t, 1000)
	in := OffsetToken{
		Offset:        200,
		Limit:         50,
		Fingerprint:   "fp-roundtrip",
		IssuedAt:      1000,
		MaxAgeSeconds: 300,
		QueryFP:       "qfp-1",
	}
	token := encodeOffset(t, c, in)

	out, err := c.DecodeOffsetToken(token, "fp-roundtrip", "qfp-1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *out, in)
	}
}

func TestOffsetToken_WireFormat(t *testing.T) {
	c := codecAt(t, 1000)
	token := encodeOffset(t, c, OffsetToken{Offset: 10, Limit: 5, Fingerprint: "fp", IssuedAt: 1000})

	if strings.ContainsAny(token, "=+/") {
		t.Fatalf("token must be unpadded base64url, got %q", token)
	}
	envBytes, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("base64url decode: %v", err)
	}
	var env struct {
		P json.RawMessage `json:"p"`
		S string          `json:"s"`
	}
	if err := json.Unmarshal(envBytes, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if len(env.S) != 64 {
		t.Fatalf("signature should be hex sha256, got %d chars", len(env.S))
	}
	var payload map[string]any
	if err := json.Unmarshal(env.P, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["v"] != float64(1) || payload["o"] != float64(10) || payload["l"] != float64(5) || payload["f"] != "fp" {
		t.Fatalf("unexpected payload fields: %v", payload)
	}
}

// tamper re-encodes a token with one byte of either the payload or the
// signature changed, leaving everything else intact.
func tamper(t *testing.T, token string, flipPayload bool) string {
	t.Helper()
	envBytes, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if flipPayload {
		raw := []byte(env.Payload)
		// Change the offset digit inside the payload JSON.
		idx := strings.Index(string(raw), `"o":`)
		if idx < 0 {
			t.Fatal("payload has no offset field")
		}
		raw[idx+4] = raw[idx+4] + 1
		env.Payload = raw
	} else {
		sig := []byte(env.Signature)
		if sig[0] == 'a' {
			sig[0] = 'b'
		} else {
			sig[0] = 'a'
		}
		env.Signature = string(sig)
	}
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(out)
}

func TestOffsetToken_TamperEvidence(t *testing.T) {
	c := codecAt(t, 1000)
	token := encodeOffset(t, c, OffsetToken{Offset: 3, Limit: 10, Fingerprint: "fp", IssuedAt: 1000})

	for _, flipPayload := range []bool{true, false} {
		_, err := c.DecodeOffsetToken(tamper(t, token, flipPayload), "fp", "")
		if !IsCode(err, CodeSignatureInvalid) {
			t.Fatalf("tampered token (payload=%v) must fail signature check, got %v", flipPayload, err)
		}
	}
}

func TestOffsetToken_SecretMissingFailsClosed(t *testing.T) {
	signer := codecAt(t, 1000)
	token := encodeOffset(t, signer, OffsetToken{Offset: 1, Limit: 10, Fingerprint: "fp", IssuedAt: 1000})

	bare := NewCodec(CodecConfig{Now: func() time.Time { return time.Unix(1000, 0) }})
	if _, err := bare.DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeSecretMissing) {
		t.Fatalf("secretless decode must fail closed, got %v", err)
	}
}

func TestOffsetToken_UnsignedRejectedWhenSecretConfigured(t *testing.T) {
	unsigned := NewCodec(CodecConfig{Now: func() time.Time { return time.Unix(1000, 0) }})
	token, err := unsigned.EncodeOffsetToken(OffsetToken{Offset: 1, Limit: 10, Fingerprint: "fp", IssuedAt: 1000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	c := codecAt(t, 1000)
	if _, err := c.DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeSignatureInvalid) {
		t.Fatalf("unsigned token must be rejected, got %v", err)
	}
}

func TestOffsetToken_ExpiryBoundary(t *testing.T) {
	issued := int64(1000)
	tok := OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp", IssuedAt: issued, MaxAgeSeconds: 100}
	token := encodeOffset(t, codecAt(t, issued), tok)

	// Age exactly equal to max_age_s is still fresh.
	if _, err := codecAt(t, issued+100).DecodeOffsetToken(token, "fp", ""); err != nil {
		t.Fatalf("age == max_age_s must succeed, got %v", err)
	}
	// One second past is not.
	if _, err := codecAt(t, issued+101).DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeExpired) {
		t.Fatalf("age == max_age_s+1 must expire, got %v", err)
	}
}

func TestOffsetToken_TokenMaxAgeTakesPrecedence(t *testing.T) {
	// Codec default of 600s would keep this alive; the token's own 50s
	// wins.
	token := encodeOffset(t, codecAt(t, 1000), OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp", IssuedAt: 1000, MaxAgeSeconds: 50})
	if _, err := codecAt(t, 1100).DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeExpired) {
		t.Fatalf("token max_age_s must take precedence, got %v", err)
	}
}

func TestOffsetToken_NoResolvableMaxAge(t *testing.T) {
	c := NewCodec(CodecConfig{Secret: testSecret, Now: func() time.Time { return time.Unix(1000, 0) }})
	token, err := c.EncodeOffsetToken(OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp", IssuedAt: 1000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeIssuedAtInvalid) {
		t.Fatalf("unresolvable max age must be rejected, got %v", err)
	}
}

func TestOffsetToken_ClockSkew(t *testing.T) {
	token := encodeOffset(t, codecAt(t, 2000), OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp", IssuedAt: 2000})

	// Issued 31s in the future with 30s tolerance.
	if _, err := codecAt(t, 1969).DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeClockSkew) {
		t.Fatalf("future token must fail skew check, got %v", err)
	}
	// Within tolerance.
	if _, err := codecAt(t, 1970).DecodeOffsetToken(token, "fp", ""); err != nil {
		t.Fatalf("token within skew tolerance must decode, got %v", err)
	}
}

func TestOffsetToken_MissingIssuedAt(t *testing.T) {
	token := encodeOffset(t, codecAt(t, 1000), OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp"})

	if _, err := codecAt(t, 1000).DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeIssuedAtMissing) {
		t.Fatalf("issued_at is required by default, got %v", err)
	}

	legacy := NewCodec(CodecConfig{
		Secret:            testSecret,
		AllowLegacyTokens: true,
		Now:               func() time.Time { return time.Unix(1000, 0) },
	})
	out, err := legacy.DecodeOffsetToken(token, "fp", "")
	if err != nil {
		t.Fatalf("legacy opt-in must accept, got %v", err)
	}
	if !out.Legacy {
		t.Fatal("legacy acceptance must be flagged for telemetry")
	}
}

func TestOffsetToken_FingerprintMismatch(t *testing.T) {
	token := encodeOffset(t, codecAt(t, 1000), OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp-a", IssuedAt: 1000})
	if _, err := codecAt(t, 1000).DecodeOffsetToken(token, "fp-b", ""); !IsCode(err, CodeFingerprintMismatch) {
		t.Fatalf("fingerprint mismatch must reject, got %v", err)
	}
}

func TestOffsetToken_QueryFingerprintBinding(t *testing.T) {
	token := encodeOffset(t, codecAt(t, 1000), OffsetToken{Offset: 0, Limit: 10, Fingerprint: "fp", IssuedAt: 1000, QueryFP: "qfp-a"})

	if _, err := codecAt(t, 1000).DecodeOffsetToken(token, "fp", "qfp-b"); !IsCode(err, CodeQueryMismatch) {
		t.Fatalf("query_fp mismatch must reject, got %v", err)
	}
	// Binding is only enforced when both sides carry a query_fp.
	if _, err := codecAt(t, 1000).DecodeOffsetToken(token, "fp", ""); err != nil {
		t.Fatalf("absent caller query_fp skips the strict binding, got %v", err)
	}
}

func TestOffsetToken_Malformed(t *testing.T) {
	c := codecAt(t, 1000)
	cases := []string{
		"",
		"not-base64!@#",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"x":1}`)),
		strings.Repeat("A", MaxTokenBytes+1),
	}
	for _, token := range cases {
		if _, err := c.DecodeOffsetToken(token, "fp", ""); !IsCode(err, CodeMalformed) {
			t.Fatalf("token %.20q must be malformed, got %v", token, err)
		}
	}
}

func TestOffsetToken_FieldRangeValidation(t *testing.T) {
	c := codecAt(t, 1000)
	bad := []OffsetToken{
		{Offset: -1, Limit: 10, Fingerprint: "fp"},
		{Offset: 0, Limit: 0, Fingerprint: "fp"},
		{Offset: 0, Limit: 10, Fingerprint: ""},
	}
	for _, tok := range bad {
		if _, err := c.EncodeOffsetToken(tok); !IsCode(err, CodeMalformed) {
			t.Fatalf("encode of %+v must be rejected, got %v", tok, err)
		}
	}
}
