package cursor

import "encoding/json"

// OffsetToken is the decoded form of an offset continuation token.
type OffsetToken struct {
	Offset      int64
	Limit       int64
	Fingerprint string
	// IssuedAt is the issuance time as a unix timestamp; zero means the
	// token predates issuance stamping.
	IssuedAt int64
	// MaxAgeSeconds overrides the codec default TTL when positive.
	MaxAgeSeconds int64
	// QueryFP is the optional strict replay-binding fingerprint.
	QueryFP string
	// Legacy is set on decode when the token was accepted without an
	// issuance timestamp under the explicit opt-in. Callers should
	// record it in telemetry.
	Legacy bool
}

// offsetPayload is the wire form of an offset token.
type offsetPayload struct {
	V           int    `json:"v"`
	Offset      int64  `json:"o"`
	Limit       int64  `json:"l"`
	Fingerprint string `json:"f"`
	IssuedAt    int64  `json:"issued_at,omitempty"`
	MaxAgeS     int64  `json:"max_age_s,omitempty"`
	QueryFP     string `json:"query_fp,omitempty"`
}

// EncodeOffsetToken seals an offset token into its opaque wire form.
func (c *Codec) EncodeOffsetToken(tok OffsetToken) (string, error) {
	if tok.Offset < 0 || tok.Limit <= 0 || tok.Fingerprint == "" {
		return "", reject(CodeMalformed, "offset token fields are out of range")
	}
	return c.seal(offsetPayload{
		V:           payloadVersion,
		Offset:      tok.Offset,
		Limit:       tok.Limit,
		Fingerprint: tok.Fingerprint,
		IssuedAt:    tok.IssuedAt,
		MaxAgeS:     tok.MaxAgeSeconds,
		QueryFP:     tok.QueryFP,
	})
}

// DecodeOffsetToken verifies and decodes an offset token. The expected
// fingerprint is mandatory; expectedQueryFP enables strict replay
// binding when both sides carry one.
func (c *Codec) DecodeOffsetToken(token, expectedFingerprint, expectedQueryFP string) (*OffsetToken, error) {
	payloadBytes, err := c.open(token)
	if err != nil {
		return nil, err
	}

	var p offsetPayload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return nil, reject(CodeMalformed, "token payload has an unexpected shape")
	}
	if p.V != payloadVersion || p.Offset < 0 || p.Limit <= 0 || p.Fingerprint == "" {
		return nil, reject(CodeMalformed, "token payload fields are out of range")
	}

	legacy, err := c.checkFreshness(p.IssuedAt, p.MaxAgeS)
	if err != nil {
		return nil, err
	}
	if err := checkBinding(p.Fingerprint, p.QueryFP, expectedFingerprint, expectedQueryFP); err != nil {
		return nil, err
	}

	return &OffsetToken{
		Offset:        p.Offset,
		Limit:         p.Limit,
		Fingerprint:   p.Fingerprint,
		IssuedAt:      p.IssuedAt,
		MaxAgeSeconds: p.MaxAgeS,
		QueryFP:       p.QueryFP,
		Legacy:        legacy,
	}, nil
}
