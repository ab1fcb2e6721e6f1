package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"
)

// MaxTokenBytes caps the encoded token length accepted by decode. The
// check runs before any base64 or JSON work so oversized garbage costs
// nothing.
const MaxTokenBytes = 4096

// payloadVersion is the wire version of both payload variants.
const payloadVersion = 1

// CodecConfig configures a Codec. The zero value is unusable for decode
// on purpose: a codec without a secret fails closed.
type CodecConfig struct {
	// Secret is the HMAC-SHA256 signing key. Required for decode;
	// encode without it produces unsigned tokens for legacy interop.
	Secret []byte
	// DefaultMaxAgeSeconds applies when a token carries no max_age_s of
	// its own. Zero means no caller default.
	DefaultMaxAgeSeconds int64
	// ClockSkewSeconds tolerates issuers slightly ahead of our clock.
	ClockSkewSeconds int64
	// AllowLegacyTokens accepts tokens without issued_at, marking them
	// so telemetry can count them down to zero.
	AllowLegacyTokens bool
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Codec signs and verifies pagination continuation tokens. It is an
// immutable configuration object, safe for concurrent use.
type Codec struct {
	cfg CodecConfig
}

// NewCodec builds a codec from the given configuration.
func NewCodec(cfg CodecConfig) *Codec {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{cfg: cfg}
}

// envelope is the outer wire structure: the serialized payload plus an
// optional hex HMAC-SHA256 over those exact payload bytes.
type envelope struct {
	Payload   json.RawMessage `json:"p"`
	Signature string          `json:"s,omitempty"`
}

// seal serializes a payload, signs it when a secret is configured, and
// base64url-encodes the envelope without padding.
func (c *Codec) seal(payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", reject(CodeMalformed, "payload could not be serialized")
	}
	env := envelope{Payload: payloadBytes}
	if len(c.cfg.Secret) > 0 {
		env.Signature = c.sign(payloadBytes)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return "", reject(CodeMalformed, "envelope could not be serialized")
	}
	return base64.RawURLEncoding.EncodeToString(envBytes), nil
}

// open reverses seal: size guard, base64, envelope shape, signature.
// It returns the verified payload bytes; the caller deserializes them
// into the variant-specific payload struct.
func (c *Codec) open(token string) (json.RawMessage, error) {
	if token == "" || len(token) > MaxTokenBytes {
		return nil, reject(CodeMalformed, "token is empty or oversized")
	}
	envBytes, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, reject(CodeMalformed, "token is not valid base64url")
	}
	var env envelope
	if err := json.Unmarshal(envBytes, &env); err != nil || len(env.Payload) == 0 {
		return nil, reject(CodeMalformed, "token envelope has an unexpected shape")
	}

	// A decoder with no secret must never accept any token, signed or
	// not: treating unsigned input as trusted is exactly the failure
	// mode this protocol exists to prevent.
	if len(c.cfg.Secret) == 0 {
		return nil, reject(CodeSecretMissing, "no signing secret is configured")
	}
	if env.Signature == "" {
		return nil, reject(CodeSignatureInvalid, "token carries no signature")
	}
	expected := c.sign(env.Payload)
	if !hmac.Equal([]byte(env.Signature), []byte(expected)) {
		return nil, reject(CodeSignatureInvalid, "token signature does not verify")
	}
	return env.Payload, nil
}

func (c *Codec) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.cfg.Secret)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkFreshness applies the issued_at / expiry / skew rules shared by
// both token variants. It returns whether the token was accepted under
// the legacy (no issued_at) carve-out.
func (c *Codec) checkFreshness(issuedAt, tokenMaxAge int64) (legacy bool, err error) {
	// The wire payload omits issued_at entirely when unset, so zero
	// means "absent". The epoch instant itself is therefore not
	// representable as an issuance time; tokens claiming it are treated
	// as legacy.
	if issuedAt == 0 {
		if !c.cfg.AllowLegacyTokens {
			return false, reject(CodeIssuedAtMissing, "token carries no issuance timestamp")
		}
		return true, nil
	}

	now := c.cfg.Now().Unix()
	if issuedAt > now+c.cfg.ClockSkewSeconds {
		return false, reject(CodeClockSkew, "token issuance timestamp is in the future")
	}

	maxAge := tokenMaxAge
	if maxAge <= 0 {
		maxAge = c.cfg.DefaultMaxAgeSeconds
	}
	if maxAge <= 0 {
		return false, reject(CodeIssuedAtInvalid, "no usable max age for token freshness")
	}
	if now-issuedAt > maxAge {
		return false, reject(CodeExpired, "token has expired")
	}
	return false, nil
}

// checkBinding applies the replay-binding rules shared by both variants:
// the optional strict query fingerprint first, then the mandatory
// primary fingerprint.
func checkBinding(fingerprint, queryFP, expectedFingerprint, expectedQueryFP string) error {
	if expectedQueryFP != "" && queryFP != "" && queryFP != expectedQueryFP {
		return reject(CodeQueryMismatch, "token was issued for a different query")
	}
	if expectedFingerprint == "" || !hmac.Equal([]byte(fingerprint), []byte(expectedFingerprint)) {
		return reject(CodeFingerprintMismatch, "token fingerprint does not match this request")
	}
	return nil
}
