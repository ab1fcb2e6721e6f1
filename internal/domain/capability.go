package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// TenantEnforcementMode selects how tenant isolation is applied for a backend.
type TenantEnforcementMode string

// Tenant enforcement modes.
const (
	// ModeSQLRewrite injects a tenant predicate into the query text.
	ModeSQLRewrite TenantEnforcementMode = "sql_rewrite"
	// ModeRLSSession relies on database row-level security bound to
	// session state; the query text is not modified.
	ModeRLSSession TenantEnforcementMode = "rls_session"
	// ModeNone disables tenant scoping entirely.
	ModeNone TenantEnforcementMode = "none"
)

// ExecutionTopology describes how a logical backend executes queries.
type ExecutionTopology string

// Execution topologies.
const (
	TopologySingle    ExecutionTopology = "single"
	TopologyFederated ExecutionTopology = "federated"
)

// BackendCapabilities is an immutable descriptor of what a backend adapter
// supports. It is constructed once by the adapter and shared read-only.
type BackendCapabilities struct {
	SupportsKeyset                         bool
	SupportsPagination                     bool
	SupportsFederatedDeterministicOrdering bool
	TenantEnforcementMode                  TenantEnforcementMode
	ExecutionTopology                      ExecutionTopology
}

// BackendDescriptor identifies one physical backend participating in
// query execution.
type BackendDescriptor struct {
	Name     string
	Provider string
}

// BackendSetFingerprint computes a stable hash over a set of backends.
// Keyset cursors record it at issuance; decode rejects when the live set
// differs, since keyset positions are only meaningful against the backend
// set they were produced by. Order of descriptors does not matter.
func BackendSetFingerprint(backends []BackendDescriptor) string {
	parts := make([]string, 0, len(backends))
	for _, b := range backends {
		parts = append(parts, b.Provider+":"+b.Name)
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
