// Package engine composes the safety pipeline for one query run:
// tenant-policy evaluation, independent security validation, signed
// cursor handling, and delegation to a caller-supplied executor. The
// engine itself holds no database connection and no per-request state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"queryguard/internal/cursor"
	"queryguard/internal/domain"
	"queryguard/internal/sqlsec"
	"queryguard/internal/tenancy"
)

// RejectionError is returned when the pipeline refuses to execute a
// query. Stage names the gate that rejected; Reason is a bounded code
// safe to surface to callers.
type RejectionError struct {
	Stage  string
	Reason string
	err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("query rejected at %s: %s", e.Stage, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.err }

// Rejection stages.
const (
	StageRateLimit  = "rate_limit"
	StageTenancy    = "tenancy"
	StageSecurity   = "security"
	StageCursor     = "cursor"
	StagePagination = "pagination"
)

// Request is one query run.
type Request struct {
	SQL      string
	TenantID string
	Params   []any
	// PageSize is clamped to the engine's maximum; zero means the
	// engine default.
	PageSize int
	// Cursor resumes a previous run. Empty starts from the beginning.
	Cursor string
	// OrderingKeys selects keyset pagination when the backend supports
	// it; empty falls back to offset pagination.
	OrderingKeys []cursor.OrderingKey
}

// Response carries the rows plus everything the caller needs for audit
// and continuation.
type Response struct {
	Rows       []map[string]any
	HasMore    bool
	NextCursor string

	Decision   tenancy.Decision
	Validation sqlsec.Result
}

// Config assembles an Engine.
type Config struct {
	Policy    *tenancy.Policy
	Validator sqlsec.Options
	Codec     *cursor.Codec
	Executor  Executor
	// Limiter is optional; nil disables per-tenant run limiting.
	Limiter *TenantLimiter

	Provider     string
	Capabilities domain.BackendCapabilities
	// Backends lists the physical backends behind this engine; used for
	// the backend-set fingerprint pinned into keyset cursors under
	// federated execution.
	Backends []domain.BackendDescriptor
	// NonNullableColumns names (lowercased) the columns known to be
	// non-nullable, enabling the keyset tie-breaker nullability check.
	// Nil skips the check.
	NonNullableColumns map[string]bool

	DefaultPageSize int
	MaxPageSize     int

	// Execution constraints folded into the query fingerprint.
	MaxRows        int64
	MaxBytes       int64
	MaxExecutionMS int64

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	policy    *tenancy.Policy
	validator sqlsec.Options
	codec     *cursor.Codec
	exec      Executor
	limiter   *TenantLimiter

	provider    string
	caps        domain.BackendCapabilities
	liveSet     string
	nonNullable map[string]bool

	defaultPageSize int
	maxPageSize     int
	maxRows         int64
	maxBytes        int64
	maxExecutionMS  int64

	logger *slog.Logger
	now    func() time.Time
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("engine: tenant policy is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("engine: cursor codec is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("engine: executor is required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("engine: provider is required")
	}

	e := &Engine{
		policy:          cfg.Policy,
		validator:       cfg.Validator,
		codec:           cfg.Codec,
		exec:            cfg.Executor,
		limiter:         cfg.Limiter,
		provider:        strings.ToLower(cfg.Provider),
		caps:            cfg.Capabilities,
		nonNullable:     cfg.NonNullableColumns,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
		maxRows:         cfg.MaxRows,
		maxBytes:        cfg.MaxBytes,
		maxExecutionMS:  cfg.MaxExecutionMS,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if e.defaultPageSize <= 0 {
		e.defaultPageSize = 100
	}
	if e.maxPageSize <= 0 {
		e.maxPageSize = 1000
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.caps.ExecutionTopology == domain.TopologyFederated && len(cfg.Backends) > 0 {
		e.liveSet = domain.BackendSetFingerprint(cfg.Backends)
	}
	return e, nil
}

// Run executes the full pipeline for one request.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	start := e.now()

	if e.limiter != nil && !e.limiter.Allow(req.TenantID) {
		return nil, &RejectionError{Stage: StageRateLimit, Reason: "RATE_LIMITED"}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = e.defaultPageSize
	}
	if pageSize > e.maxPageSize {
		pageSize = e.maxPageSize
	}

	resp := &Response{}

	resp.Decision = e.policy.Evaluate(req.SQL, req.TenantID, req.Params)
	if !resp.Decision.ShouldExecute {
		return resp, &RejectionError{Stage: StageTenancy, Reason: resp.Decision.Result.ReasonCode, err: resp.Decision.Err}
	}

	resp.Validation = sqlsec.ValidateSQL(resp.Decision.SQL, e.validator)
	if !resp.Validation.IsValid {
		return resp, &RejectionError{Stage: StageSecurity, Reason: string(resp.Validation.Violations[0].Kind)}
	}

	keyset := e.caps.SupportsKeyset && len(req.OrderingKeys) > 0
	mode := cursor.ModeOffset
	if keyset {
		mode = cursor.ModeKeyset
	}
	orderSig := cursor.OrderingSignature(req.OrderingKeys)
	fp := cursor.BuildQueryFingerprint(req.SQL, req.Params, req.TenantID, e.provider,
		e.maxRows, e.maxBytes, e.maxExecutionMS, orderSig)
	queryFP := cursor.BuildCursorQueryFingerprint(req.SQL, e.provider, mode, orderSig)

	var (
		offset int64
		pos    *keysetPosition
		keys   = req.OrderingKeys
	)
	switch {
	case req.Cursor != "" && !e.caps.SupportsPagination:
		return resp, &RejectionError{Stage: StageCursor, Reason: string(cursor.CodeMalformed)}
	case req.Cursor != "" && keyset:
		cur, err := e.codec.DecodeKeysetCursor(req.Cursor, cursor.KeysetContext{
			ExpectedFingerprint: fp,
			ExpectedQueryFP:     queryFP,
			LiveBackendSet:      e.liveSet,
			Capabilities:        e.caps,
			NonNullableColumns:  e.nonNullable,
		})
		if err != nil {
			return resp, &RejectionError{Stage: StageCursor, Reason: string(cursor.CodeOf(err)), err: err}
		}
		pos = &keysetPosition{keys: cur.Keys, values: cur.Values}
		keys = cur.Keys
	case req.Cursor != "":
		tok, err := e.codec.DecodeOffsetToken(req.Cursor, fp, queryFP)
		if err != nil {
			return resp, &RejectionError{Stage: StageCursor, Reason: string(cursor.CodeOf(err)), err: err}
		}
		offset = tok.Offset
		pageSize = int(tok.Limit)
	case keyset:
		// First keyset page: fail early if the ordering cannot anchor a
		// resumable position, instead of on the second page.
		if err := cursor.ValidateKeysetOrdering(keys, e.caps, e.nonNullable); err != nil {
			return resp, &RejectionError{Stage: StageCursor, Reason: string(cursor.CodeOf(err)), err: err}
		}
	}

	// Over-fetch by one row to learn whether more rows exist without a
	// separate COUNT.
	pagedSQL, extra, err := applyPagination(resp.Decision.SQL, int64(pageSize)+1, offset, pos, len(resp.Decision.Params)+1)
	if err != nil {
		return resp, &RejectionError{Stage: StagePagination, Reason: "PAGINATION_UNSUPPORTED", err: err}
	}
	params := append(append([]any{}, resp.Decision.Params...), extra...)

	execCtx := ctx
	if e.maxExecutionMS > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(e.maxExecutionMS)*time.Millisecond)
		defer cancel()
	}
	rows, err := e.exec.Query(execCtx, pagedSQL, params)
	if err != nil {
		return resp, fmt.Errorf("execute query: %w", err)
	}

	resp.HasMore = len(rows) > pageSize
	if resp.HasMore {
		rows = rows[:pageSize]
	}
	resp.Rows = rows

	if resp.HasMore && e.caps.SupportsPagination {
		next, err := e.nextCursor(rows, keyset, keys, offset, int64(pageSize), fp, queryFP)
		if err != nil {
			return resp, err
		}
		resp.NextCursor = next
	}

	e.logger.InfoContext(ctx, "query executed",
		slog.String("evaluation_id", resp.Decision.Telemetry["evaluation_id"]),
		slog.String("tenant_id", req.TenantID),
		slog.String("provider", e.provider),
		slog.String("outcome", string(resp.Decision.Result.Outcome)),
		slog.String("mode", mode),
		slog.Int("rows", len(resp.Rows)),
		slog.Bool("has_more", resp.HasMore),
		slog.Int("warnings", len(resp.Validation.Warnings)),
		slog.Duration("duration", e.now().Sub(start)),
	)
	return resp, nil
}

// nextCursor builds the continuation token from the last returned row.
func (e *Engine) nextCursor(rows []map[string]any, keyset bool, keys []cursor.OrderingKey, offset, pageSize int64, fp, queryFP string) (string, error) {
	issuedAt := e.now().Unix()
	if !keyset {
		return e.codec.EncodeOffsetToken(cursor.OffsetToken{
			Offset:      offset + pageSize,
			Limit:       pageSize,
			Fingerprint: fp,
			IssuedAt:    issuedAt,
			QueryFP:     queryFP,
		})
	}

	last := rows[len(rows)-1]
	values := make([]any, len(keys))
	for i, k := range keys {
		v, ok := last[resultColumn(k.Column)]
		if !ok {
			return "", fmt.Errorf("ordering key %q is not present in the result set", k.Column)
		}
		values[i] = v
	}
	return e.codec.EncodeKeysetCursor(cursor.KeysetCursor{
		Values:                values,
		Keys:                  keys,
		Fingerprint:           fp,
		IssuedAt:              issuedAt,
		QueryFP:               queryFP,
		BackendSetFingerprint: e.liveSet,
	})
}

// resultColumn strips an alias qualifier: result sets key columns by
// bare name.
func resultColumn(column string) string {
	if i := strings.LastIndexByte(column, '.'); i >= 0 {
		return column[i+1:]
	}
	return column
}
