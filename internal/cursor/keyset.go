package cursor

import (
	"encoding/json"
	"fmt"
	"strings"

	"queryguard/internal/domain"
)

// Ordering directions and null placement policies for keyset specs.
const (
	DirAsc  = "asc"
	DirDesc = "desc"

	NullsFirst = "nulls_first"
	NullsLast  = "nulls_last"
)

// OrderingKey is one parsed `col|dir|nulls` spec from a keyset cursor.
type OrderingKey struct {
	Column    string
	Direction string
	Nulls     string
}

// String renders the `col|dir|nulls` wire form.
func (k OrderingKey) String() string {
	return k.Column + "|" + k.Direction + "|" + k.Nulls
}

// ParseOrderingKey parses a `col|dir|nulls` spec.
func ParseOrderingKey(spec string) (OrderingKey, error) {
	parts := strings.Split(spec, "|")
	if len(parts) != 3 || parts[0] == "" {
		return OrderingKey{}, fmt.Errorf("ordering spec must be col|dir|nulls")
	}
	dir := strings.ToLower(parts[1])
	if dir != DirAsc && dir != DirDesc {
		return OrderingKey{}, fmt.Errorf("ordering direction must be asc or desc")
	}
	nulls := strings.ToLower(parts[2])
	if nulls != NullsFirst && nulls != NullsLast {
		return OrderingKey{}, fmt.Errorf("nulls policy must be nulls_first or nulls_last")
	}
	return OrderingKey{Column: parts[0], Direction: dir, Nulls: nulls}, nil
}

// OrderingSignature renders a key list into the order_signature input of
// the fingerprint builders.
func OrderingSignature(keys []OrderingKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

// KeysetCursor is the decoded form of a keyset continuation cursor.
type KeysetCursor struct {
	// Values are the ordering-key values of the last row returned.
	Values []any
	// Keys are the ordering specs the values correspond to, in order.
	Keys          []OrderingKey
	Fingerprint   string
	IssuedAt      int64
	MaxAgeSeconds int64
	QueryFP       string
	// BackendSetFingerprint pins the cursor to the backend set it was
	// issued against; federated execution sets it.
	BackendSetFingerprint string
	Legacy                bool
}

// keysetPayload is the wire form of a keyset cursor.
type keysetPayload struct {
	V           int      `json:"v"`
	Values      []any    `json:"k"`
	Keys        []string `json:"keys"`
	Fingerprint string   `json:"f"`
	IssuedAt    int64    `json:"issued_at,omitempty"`
	MaxAgeS     int64    `json:"max_age_s,omitempty"`
	QueryFP     string   `json:"query_fp,omitempty"`
	BackendSet  string   `json:"backend_set_fingerprint,omitempty"`
}

// KeysetContext carries the live-side expectations a keyset cursor is
// verified against.
type KeysetContext struct {
	ExpectedFingerprint string
	ExpectedQueryFP     string
	// LiveBackendSet is the fingerprint of the backend set serving this
	// request; empty for single-backend execution.
	LiveBackendSet string
	Capabilities   domain.BackendCapabilities
	// NonNullableColumns pins the tie-breaker nullability check when a
	// schema snapshot is available. Nil skips that check.
	NonNullableColumns map[string]bool
}

// EncodeKeysetCursor seals a keyset cursor into its opaque wire form.
func (c *Codec) EncodeKeysetCursor(cur KeysetCursor) (string, error) {
	if len(cur.Values) == 0 || len(cur.Values) != len(cur.Keys) || cur.Fingerprint == "" {
		return "", reject(CodeMalformed, "keyset cursor fields are out of range")
	}
	keys := make([]string, len(cur.Keys))
	for i, k := range cur.Keys {
		keys[i] = k.String()
	}
	return c.seal(keysetPayload{
		V:           payloadVersion,
		Values:      cur.Values,
		Keys:        keys,
		Fingerprint: cur.Fingerprint,
		IssuedAt:    cur.IssuedAt,
		MaxAgeS:     cur.MaxAgeSeconds,
		QueryFP:     cur.QueryFP,
		BackendSet:  cur.BackendSetFingerprint,
	})
}

// DecodeKeysetCursor verifies and decodes a keyset cursor, including the
// ordering-safety and backend-set drift checks that offset tokens do not
// need.
func (c *Codec) DecodeKeysetCursor(token string, ctx KeysetContext) (*KeysetCursor, error) {
	payloadBytes, err := c.open(token)
	if err != nil {
		return nil, err
	}

	var p keysetPayload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return nil, reject(CodeMalformed, "cursor payload has an unexpected shape")
	}
	if p.V != payloadVersion || len(p.Values) == 0 || len(p.Values) != len(p.Keys) || p.Fingerprint == "" {
		return nil, reject(CodeMalformed, "cursor payload fields are out of range")
	}
	keys := make([]OrderingKey, len(p.Keys))
	for i, spec := range p.Keys {
		key, err := ParseOrderingKey(spec)
		if err != nil {
			return nil, reject(CodeMalformed, "cursor ordering spec is invalid")
		}
		keys[i] = key
	}

	legacy, err := c.checkFreshness(p.IssuedAt, p.MaxAgeS)
	if err != nil {
		return nil, err
	}
	if err := checkBinding(p.Fingerprint, p.QueryFP, ctx.ExpectedFingerprint, ctx.ExpectedQueryFP); err != nil {
		return nil, err
	}
	if err := ValidateKeysetOrdering(keys, ctx.Capabilities, ctx.NonNullableColumns); err != nil {
		return nil, err
	}
	if p.BackendSet != "" || ctx.LiveBackendSet != "" {
		if p.BackendSet != ctx.LiveBackendSet {
			return nil, reject(CodeBackendSetChanged, "backend set differs from the one the cursor was issued against")
		}
	}

	return &KeysetCursor{
		Values:                p.Values,
		Keys:                  keys,
		Fingerprint:           p.Fingerprint,
		IssuedAt:              p.IssuedAt,
		MaxAgeSeconds:         p.MaxAgeS,
		QueryFP:               p.QueryFP,
		BackendSetFingerprint: p.BackendSet,
		Legacy:                legacy,
	}, nil
}

// nondeterministicOrdering lists function names whose output cannot
// anchor a resumable position.
var nondeterministicOrdering = map[string]bool{
	"random":           true,
	"rand":             true,
	"uuid":             true,
	"gen_random_uuid":  true,
	"uuid_generate_v4": true,
	"newid":            true,
}

// ValidateKeysetOrdering checks that an ordering-key list can serve as a
// resumable position: the backend set must guarantee a deterministic
// cross-backend order when federated, and the final key must be a
// stable, non-nullable tie-breaker.
func ValidateKeysetOrdering(keys []OrderingKey, caps domain.BackendCapabilities, nonNullable map[string]bool) error {
	if caps.ExecutionTopology == domain.TopologyFederated && !caps.SupportsFederatedDeterministicOrdering {
		return reject(CodeFederatedOrderingUnsafe, "federated execution cannot guarantee a deterministic ordering")
	}
	if len(keys) == 0 {
		return reject(CodeUnstableTiebreaker, "keyset pagination requires at least one ordering key")
	}

	last := keys[len(keys)-1]
	column := strings.ToLower(last.Column)
	if strings.ContainsAny(column, "() ") || nondeterministicOrdering[strings.TrimSuffix(column, "()")] {
		return reject(CodeUnstableTiebreaker, "final ordering key is not a stable column reference")
	}
	if nonNullable != nil && !nonNullable[column] {
		return reject(CodeUnstableTiebreaker, "final ordering key must be a non-nullable tie-breaker")
	}
	return nil
}
