// Package tenancy decides whether and how a query is scoped to a single
// tenant before execution. Under sql_rewrite it injects a tenant
// predicate into the statement via the parse tree; under rls_session the
// database enforces scoping through session state and the text passes
// through untouched. Every evaluation produces a typed Decision rather
// than an error: rejection is an expected policy outcome.
package tenancy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"queryguard/internal/domain"
	"queryguard/internal/sqlshape"
)

// Outcome is the public enforcement verdict.
type Outcome string

// Enforcement outcomes.
const (
	OutcomeApplied               Outcome = "APPLIED"
	OutcomeSkippedNotRequired    Outcome = "SKIPPED_NOT_REQUIRED"
	OutcomeRejectedUnsupported   Outcome = "REJECTED_UNSUPPORTED"
	OutcomeRejectedDisabled      Outcome = "REJECTED_DISABLED"
	OutcomeRejectedLimit         Outcome = "REJECTED_LIMIT"
	OutcomeRejectedMissingTenant Outcome = "REJECTED_MISSING_TENANT"
	OutcomeRejectedTimeout       Outcome = "REJECTED_TIMEOUT"
)

// Rejected reports whether the outcome blocks execution.
func (o Outcome) Rejected() bool {
	return strings.HasPrefix(string(o), "REJECTED_")
}

// Internal rejection causes. These never leave the process; callers see
// only the bounded code BoundedReasonCode maps them to.
const (
	reasonMissingTenant = "tenant_context_missing"
	reasonParseError    = "parse_error"
	reasonCorrelated    = "correlated_subquery"
	reasonSetOperation  = "set_operation"
	reasonStatement     = "non_select_statement"
	reasonNodeBudget    = "node_budget_exceeded"
	reasonTargetBudget  = "rewrite_target_budget_exceeded"
	reasonParamBudget   = "bind_param_budget_exceeded"
	reasonDeadline      = "evaluation_deadline_exceeded"
	reasonDisabled      = "enforcement_disabled"
	reasonProviderMode  = "provider_mode_unmapped"
	reasonDeparse       = "deparse_failure"
)

// BoundedReasonCode maps a fine-grained internal cause to the small,
// stable vocabulary exposed to callers. Unknown causes collapse to the
// generic unsupported-configuration code rather than leaking text.
func BoundedReasonCode(internal string) string {
	switch internal {
	case reasonMissingTenant:
		return "TENANT_CONTEXT_MISSING"
	case reasonParseError:
		return "QUERY_NOT_PARSEABLE"
	case reasonCorrelated, reasonSetOperation, reasonStatement, reasonDeparse:
		return "UNSUPPORTED_QUERY_SHAPE"
	case reasonNodeBudget, reasonTargetBudget, reasonParamBudget:
		return "RESOURCE_LIMIT_EXCEEDED"
	case reasonDeadline:
		return "EVALUATION_TIMEOUT"
	case reasonDisabled:
		return "ENFORCEMENT_DISABLED"
	default:
		return "UNSUPPORTED_CONFIGURATION"
	}
}

// providerModes is the explicit support matrix. Any provider/mode pair
// absent here fails closed to REJECTED_UNSUPPORTED; adding a backend
// means adding a row, never relying on a permissive default.
var providerModes = map[string]map[domain.TenantEnforcementMode]bool{
	"postgres": {
		domain.ModeSQLRewrite: true,
		domain.ModeRLSSession: true,
		domain.ModeNone:       true,
	},
	"duckdb": {
		domain.ModeSQLRewrite: true,
		domain.ModeNone:       true,
	},
	"sqlite": {
		domain.ModeSQLRewrite: true,
		domain.ModeNone:       true,
	},
	"bigquery": {
		domain.ModeSQLRewrite: true,
		domain.ModeNone:       true,
	},
	"snowflake": {
		domain.ModeSQLRewrite: true,
		domain.ModeRLSSession: true,
		domain.ModeNone:       true,
	},
	"databricks": {
		domain.ModeSQLRewrite: true,
		domain.ModeNone:       true,
	},
}

// Default evaluation budgets.
const (
	DefaultMaxTargets  = 8
	DefaultMaxParams   = 64
	DefaultHardTimeout = 250 * time.Millisecond
)

// SchemaLoader reports the columns of a table when a schema snapshot is
// available. Tables whose column set is unknown are assumed to carry the
// tenant column.
type SchemaLoader interface {
	Columns(table string) ([]string, bool)
}

// EnforcementResult is the public summary of an evaluation.
// ReasonCode is set exactly when Outcome is a rejection.
type EnforcementResult struct {
	Applied    bool
	Mode       domain.TenantEnforcementMode
	Outcome    Outcome
	ReasonCode string
}

// Decision carries everything the orchestrator needs after evaluation:
// the execution gate, the (possibly rewritten) SQL, the parameters to
// bind, and the audit metadata.
type Decision struct {
	ShouldExecute bool
	SQL           string
	Params        []any
	Result        EnforcementResult
	// Err is the typed cause of a rejection, nil when the decision
	// executes. Callers branch on it with errors.As.
	Err error

	// EnvelopeMetadata is attached to the response envelope.
	EnvelopeMetadata map[string]string
	// Telemetry holds attributes for the audit log line.
	Telemetry map[string]string
}

// Config assembles a Policy.
type Config struct {
	Mode         domain.TenantEnforcementMode
	Provider     string
	TenantColumn string
	// TableAllowlist names the tables that receive tenant predicates
	// under sql_rewrite. Matching is case-insensitive.
	TableAllowlist []string
	// Schema, when set, suppresses predicates for allowlisted tables
	// that do not carry the tenant column.
	Schema SchemaLoader

	// Disabled is the enforcement kill switch: evaluation rejects
	// instead of silently running unscoped.
	Disabled bool

	MaxTargets  int
	MaxParams   int
	MaxASTNodes int
	HardTimeout time.Duration

	// Strict selects the classifier's correlated-subquery rule.
	Strict bool

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Policy is an immutable tenant-enforcement configuration. Construct it
// once and share it; Evaluate is safe for concurrent use.
type Policy struct {
	mode         domain.TenantEnforcementMode
	provider     string
	tenantColumn string
	allowlist    map[string]bool
	schema       SchemaLoader
	disabled     bool

	maxTargets  int
	maxParams   int
	hardTimeout time.Duration
	classify    sqlshape.Options

	now func() time.Time
}

// NewPolicy validates the configuration and builds an immutable Policy.
func NewPolicy(cfg Config) (*Policy, error) {
	switch cfg.Mode {
	case domain.ModeSQLRewrite, domain.ModeRLSSession, domain.ModeNone:
	default:
		return nil, fmt.Errorf("tenancy: unknown enforcement mode %q", cfg.Mode)
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("tenancy: provider is required")
	}
	if cfg.Mode == domain.ModeSQLRewrite {
		if cfg.TenantColumn == "" {
			return nil, fmt.Errorf("tenancy: tenant column is required for sql_rewrite")
		}
		if len(cfg.TableAllowlist) == 0 {
			return nil, fmt.Errorf("tenancy: table allowlist is required for sql_rewrite")
		}
	}

	allowlist := make(map[string]bool, len(cfg.TableAllowlist))
	for _, t := range cfg.TableAllowlist {
		allowlist[strings.ToLower(t)] = true
	}

	p := &Policy{
		mode:         cfg.Mode,
		provider:     strings.ToLower(cfg.Provider),
		tenantColumn: cfg.TenantColumn,
		allowlist:    allowlist,
		schema:       cfg.Schema,
		disabled:     cfg.Disabled,
		maxTargets:   cfg.MaxTargets,
		maxParams:    cfg.MaxParams,
		hardTimeout:  cfg.HardTimeout,
		classify:     sqlshape.Options{Strict: cfg.Strict, MaxASTNodes: cfg.MaxASTNodes},
		now:          cfg.Now,
	}
	if p.maxTargets <= 0 {
		p.maxTargets = DefaultMaxTargets
	}
	if p.maxParams <= 0 {
		p.maxParams = DefaultMaxParams
	}
	if p.hardTimeout <= 0 {
		p.hardTimeout = DefaultHardTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// DecideEnforcement reports whether a mode requires rewriting the query
// text. rls_session returns false: the database enforces scoping, and
// the outcome is still reported APPLIED.
func DecideEnforcement(mode domain.TenantEnforcementMode) bool {
	return mode == domain.ModeSQLRewrite
}

// DetermineOutcome maps a classification verdict to the enforcement
// outcome and internal cause used under sql_rewrite.
func DetermineOutcome(shape sqlshape.Shape) (Outcome, string) {
	switch shape {
	case sqlshape.ShapeSafeSimpleSelect, sqlshape.ShapeSafeCTEQuery:
		return OutcomeApplied, ""
	case sqlshape.ShapeParseError:
		return OutcomeRejectedUnsupported, reasonParseError
	case sqlshape.ShapeUnsupportedSetOperation:
		return OutcomeRejectedUnsupported, reasonSetOperation
	case sqlshape.ShapeUnsupportedCorrelatedSubquery:
		return OutcomeRejectedUnsupported, reasonCorrelated
	case sqlshape.ShapeUnsupportedComplexity:
		return OutcomeRejectedLimit, reasonNodeBudget
	default:
		return OutcomeRejectedUnsupported, reasonStatement
	}
}

// Evaluate runs the full enforcement pipeline for one query. It never
// returns an error: every path produces a Decision whose Result records
// the outcome and, for rejections, a bounded reason code.
func (p *Policy) Evaluate(sql, tenantID string, params []any) Decision {
	start := p.now()
	d := Decision{
		SQL:    sql,
		Params: params,
		Result: EnforcementResult{Mode: p.mode},
		Telemetry: map[string]string{
			"evaluation_id": uuid.NewString(),
			"provider":      p.provider,
			"mode":          string(p.mode),
		},
		EnvelopeMetadata: map[string]string{
			"tenant_enforcement_mode": string(p.mode),
		},
	}

	if !providerModes[p.provider][p.mode] {
		d.Telemetry["failure_category"] = "provider_mode_unmapped"
		return p.reject(d, OutcomeRejectedUnsupported, reasonProviderMode)
	}
	if p.disabled {
		return p.reject(d, OutcomeRejectedDisabled, reasonDisabled)
	}

	if p.mode == domain.ModeNone {
		return p.finish(d, OutcomeSkippedNotRequired, false)
	}

	if tenantID == "" {
		return p.reject(d, OutcomeRejectedMissingTenant, reasonMissingTenant)
	}
	d.Telemetry["tenant_id"] = tenantID

	if p.mode == domain.ModeRLSSession {
		// The database applies scoping via session state; the query
		// text must not be touched.
		return p.finish(d, OutcomeApplied, true)
	}

	tree, err := sqlshape.Parse(sql)
	if err != nil {
		return p.reject(d, OutcomeRejectedUnsupported, reasonParseError)
	}
	shape := sqlshape.Classify(tree, p.classify)
	d.Telemetry["sql_shape"] = shape.String()
	if outcome, cause := DetermineOutcome(shape); outcome != OutcomeApplied {
		return p.reject(d, outcome, cause)
	}

	w := &rewriter{
		column:      p.tenantColumn,
		paramNumber: len(params) + 1,
		allowlisted: p.predicateTarget,
	}
	w.rewriteStmt(tree.Stmts[0].Stmt)

	if w.targets == 0 {
		return p.finish(d, OutcomeSkippedNotRequired, false)
	}
	if w.targets > p.maxTargets {
		return p.reject(d, OutcomeRejectedLimit, reasonTargetBudget)
	}

	bound := make([]any, 0, len(params)+1)
	bound = append(bound, params...)
	bound = append(bound, tenantID)
	if len(bound) > p.maxParams {
		return p.reject(d, OutcomeRejectedLimit, reasonParamBudget)
	}

	rewritten, err := pg_query.Deparse(tree)
	if err != nil {
		return p.reject(d, OutcomeRejectedUnsupported, reasonDeparse)
	}

	if p.now().Sub(start) > p.hardTimeout {
		return p.reject(d, OutcomeRejectedTimeout, reasonDeadline)
	}

	d.SQL = rewritten
	d.Params = bound
	d.Telemetry["rewrite_targets"] = fmt.Sprintf("%d", w.targets)
	return p.finish(d, OutcomeApplied, true)
}

// predicateTarget reports whether a table receives a tenant predicate:
// it must be allowlisted, and when a schema snapshot is available it
// must actually carry the tenant column.
func (p *Policy) predicateTarget(table string) bool {
	if !p.allowlist[table] {
		return false
	}
	if p.schema == nil {
		return true
	}
	cols, ok := p.schema.Columns(table)
	if !ok {
		return true
	}
	for _, c := range cols {
		if strings.EqualFold(c, p.tenantColumn) {
			return true
		}
	}
	return false
}

func (p *Policy) finish(d Decision, outcome Outcome, applied bool) Decision {
	d.ShouldExecute = true
	d.Result.Applied = applied
	d.Result.Outcome = outcome
	d.Telemetry["outcome"] = string(outcome)
	d.EnvelopeMetadata["tenant_enforcement_outcome"] = string(outcome)
	return d
}

// rejectionError converts an internal cause into the typed error
// carried on the Decision.
func rejectionError(cause, shape string) error {
	switch cause {
	case reasonMissingTenant:
		return domain.ErrMissingTenant("tenant identity is required for scoped execution")
	case reasonParseError:
		return domain.ErrParse("statement could not be parsed")
	case reasonCorrelated, reasonSetOperation, reasonStatement, reasonDeparse:
		return domain.ErrUnsupportedShape(shape, "query shape is not eligible for tenant scoping")
	case reasonNodeBudget:
		return domain.ErrResourceLimit("nodes", "statement exceeds the node budget")
	case reasonTargetBudget:
		return domain.ErrResourceLimit("targets", "statement exceeds the rewrite target budget")
	case reasonParamBudget:
		return domain.ErrResourceLimit("params", "statement exceeds the bind parameter budget")
	case reasonDeadline:
		return domain.ErrResourceLimit("timeout", "evaluation exceeded the hard deadline")
	default:
		return fmt.Errorf("tenant enforcement rejected: %s", BoundedReasonCode(cause))
	}
}

func (p *Policy) reject(d Decision, outcome Outcome, cause string) Decision {
	d.ShouldExecute = false
	d.Result.Applied = false
	d.Result.Outcome = outcome
	d.Result.ReasonCode = BoundedReasonCode(cause)
	d.Err = rejectionError(cause, d.Telemetry["sql_shape"])
	d.Telemetry["outcome"] = string(outcome)
	d.Telemetry["reason_code"] = d.Result.ReasonCode
	d.EnvelopeMetadata["tenant_enforcement_outcome"] = string(outcome)
	return d
}
