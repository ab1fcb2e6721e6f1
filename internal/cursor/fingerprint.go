// Package cursor implements the signed pagination continuation protocol:
// a fingerprint builder binding tokens to the query they were issued
// for, and an HMAC-signed codec for offset tokens and keyset cursors.
package cursor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Pagination modes recorded in cursor query fingerprints.
const (
	ModeOffset = "offset"
	ModeKeyset = "keyset"
)

// BuildQueryFingerprint computes the stable hash that binds a pagination
// token to the exact query, parameters, tenant, and execution constraints
// it was issued under. Any change to one of these inputs produces a new
// fingerprint and invalidates outstanding tokens.
func BuildQueryFingerprint(sql string, params []any, tenantID, provider string, maxRows, maxBytes, maxExecutionMS int64, orderSignature string) string {
	parts := []string{
		normalizeSQL(sql),
		canonicalParams(params),
		tenantID,
		provider,
		fmt.Sprintf("%d:%d:%d", maxRows, maxBytes, maxExecutionMS),
		orderSignature,
	}
	return hashParts(parts)
}

// BuildCursorQueryFingerprint computes the narrower hash used for strict
// replay binding: it identifies the query text and pagination strategy
// without parameters, so a cursor cannot be replayed against a different
// query even if the primary fingerprints collide.
func BuildCursorQueryFingerprint(sql, provider, paginationMode, orderSignature string) string {
	parts := []string{
		normalizeSQL(sql),
		provider,
		paginationMode,
		orderSignature,
	}
	return hashParts(parts)
}

// normalizeSQL reduces a statement to its parser fingerprint so literal,
// whitespace, and case churn do not shift the query fingerprint.
// Unparsable SQL falls back to the raw text; the binding still holds,
// just more tightly.
func normalizeSQL(sql string) string {
	fp, err := pg_query.Fingerprint(sql)
	if err != nil {
		return strings.TrimSpace(sql)
	}
	return fp
}

// canonicalParams serializes bind parameters deterministically.
func canonicalParams(params []any) string {
	if len(params) == 0 {
		return "[]"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}

func hashParts(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
