// Package sqlsec is the independent security pass over agent-generated
// SQL. It runs after tenant enforcement and shares nothing with it: a
// bug in the rewriter must not be able to disable a blocklist decision
// here. All checks operate on the parse tree; when parsing fails the
// verdict is invalid and only non-security metadata is recovered by the
// regex fallback.
package sqlsec

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ViolationKind identifies the category of a security violation.
type ViolationKind string

// Violation kinds.
const (
	ViolationRestrictedTable  ViolationKind = "RESTRICTED_TABLE"
	ViolationForbiddenCommand ViolationKind = "FORBIDDEN_COMMAND"
	ViolationCartesianJoin    ViolationKind = "CARTESIAN_JOIN"
	ViolationColumnAllowlist  ViolationKind = "COLUMN_ALLOWLIST"
	ViolationUnparsable       ViolationKind = "UNPARSABLE_STATEMENT"
)

// Violation is a single blocking security finding.
type Violation struct {
	Kind    ViolationKind
	Message string
	Details map[string]string
}

// PolicyAction controls whether a check produces a warning or a
// blocking violation.
type PolicyAction string

// Policy actions.
const (
	ActionWarn  PolicyAction = "warn"
	ActionBlock PolicyAction = "block"
)

// Options configures a validation pass.
type Options struct {
	// Ruleset extends the built-in restricted tables and functions.
	Ruleset *Ruleset
	// Schema supplies per-table column allowlists. Nil disables the
	// column check.
	Schema *SchemaSnapshot
	// CartesianPolicy governs Cartesian-risk findings. Defaults to block.
	CartesianPolicy PolicyAction
	// ColumnPolicy governs allowlist findings. Defaults to warn.
	ColumnPolicy PolicyAction
}

func (o Options) ruleset() *Ruleset {
	if o.Ruleset != nil {
		return o.Ruleset
	}
	return &Ruleset{}
}

func (o Options) cartesianPolicy() PolicyAction {
	if o.CartesianPolicy == ActionWarn {
		return ActionWarn
	}
	return ActionBlock
}

func (o Options) columnPolicy() PolicyAction {
	if o.ColumnPolicy == ActionBlock {
		return ActionBlock
	}
	return ActionWarn
}

// Result is the outcome of a validation pass. Metadata is populated even
// when the query is rejected.
type Result struct {
	IsValid    bool
	Violations []Violation
	Warnings   []string
	Metadata   Metadata
}

// ValidateSQL parses and validates a statement. Unparsable SQL is
// invalid by definition; its metadata comes from the fallback extractor.
func ValidateSQL(sql string, opts Options) Result {
	parsed, err := pg_query.Parse(sql)
	if err != nil || len(parsed.Stmts) == 0 {
		return Result{
			IsValid: false,
			Violations: []Violation{{
				Kind:    ViolationUnparsable,
				Message: "statement could not be parsed; rejected without structural analysis",
			}},
			Metadata: fallbackMetadata(sql),
		}
	}
	return ValidateParsed(parsed, opts)
}

// ValidateParsed validates an already-parsed statement.
func ValidateParsed(parsed *pg_query.ParseResult, opts Options) Result {
	result := Result{Metadata: ExtractMetadata(parsed)}

	result.append(checkCommands(parsed), ActionBlock)
	result.append(checkRestrictedTables(parsed, opts.ruleset()), ActionBlock)
	result.append(checkForbiddenFunctions(parsed, opts.ruleset()), ActionBlock)
	result.append(checkCartesian(parsed), opts.cartesianPolicy())
	result.append(checkColumnAllowlist(parsed, opts.Schema), opts.columnPolicy())

	result.IsValid = len(result.Violations) == 0
	return result
}

// append routes findings to violations or warnings per the policy.
func (r *Result) append(found []Violation, action PolicyAction) {
	if action == ActionWarn {
		for _, v := range found {
			r.Warnings = append(r.Warnings, v.Message)
		}
		return
	}
	r.Violations = append(r.Violations, found...)
}

// rootCommand maps a root statement node to its command name and
// whether that command is forbidden.
func rootCommand(node *pg_query.Node) (string, bool) {
	switch node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return "SELECT", false
	case *pg_query.Node_InsertStmt:
		return "INSERT", true
	case *pg_query.Node_UpdateStmt:
		return "UPDATE", true
	case *pg_query.Node_DeleteStmt:
		return "DELETE", true
	case *pg_query.Node_MergeStmt:
		return "MERGE", true
	case *pg_query.Node_DropStmt:
		return "DROP", true
	case *pg_query.Node_TruncateStmt:
		return "TRUNCATE", true
	case *pg_query.Node_GrantStmt:
		return "GRANT", true
	case *pg_query.Node_GrantRoleStmt:
		return "GRANT", true
	case *pg_query.Node_CreateStmt:
		return "CREATE", true
	case *pg_query.Node_CreateTableAsStmt:
		return "CREATE", true
	case *pg_query.Node_AlterTableStmt:
		return "ALTER", true
	case *pg_query.Node_CopyStmt:
		return "COPY", true
	case *pg_query.Node_VariableSetStmt:
		return "SET", true
	case *pg_query.Node_DoStmt:
		return "DO", true
	case *pg_query.Node_CallStmt:
		return "CALL", true
	case *pg_query.Node_TransactionStmt:
		return "TRANSACTION", true
	case *pg_query.Node_ExplainStmt:
		return "EXPLAIN", true
	case *pg_query.Node_VacuumStmt:
		return "VACUUM", true
	default:
		// Anything not positively identified as a SELECT is treated as
		// a forbidden command.
		return "UNSUPPORTED", true
	}
}

func checkCommands(parsed *pg_query.ParseResult) []Violation {
	var out []Violation
	for _, stmt := range parsed.Stmts {
		if stmt.Stmt == nil {
			continue
		}
		if name, forbidden := rootCommand(stmt.Stmt); forbidden {
			out = append(out, Violation{
				Kind:    ViolationForbiddenCommand,
				Message: fmt.Sprintf("statement type %s is not permitted", name),
				Details: map[string]string{"command": name},
			})
		}
	}
	if len(parsed.Stmts) > 1 {
		out = append(out, Violation{
			Kind:    ViolationForbiddenCommand,
			Message: "multi-statement input is not permitted",
			Details: map[string]string{"command": "MULTI_STATEMENT"},
		})
	}
	return out
}

func checkRestrictedTables(parsed *pg_query.ParseResult, rs *Ruleset) []Violation {
	ctes := cteNames(parsed)
	var out []Violation
	seen := map[string]bool{}
	for _, t := range collectTables(parsed) {
		if ctes[t.name] && t.schema == "" {
			continue
		}
		full := t.fullName()
		if seen[full] {
			continue
		}
		if rs.restrictedName(full) || rs.restrictedName(t.name) {
			seen[full] = true
			out = append(out, Violation{
				Kind:    ViolationRestrictedTable,
				Message: fmt.Sprintf("table %q is restricted", full),
				Details: map[string]string{"table": full},
			})
		}
	}
	return out
}

func checkForbiddenFunctions(parsed *pg_query.ParseResult, rs *Ruleset) []Violation {
	var out []Violation
	seen := map[string]bool{}
	for _, name := range collectFunctionNames(parsed) {
		if seen[name] || !rs.forbiddenFunction(name) {
			continue
		}
		seen[name] = true
		out = append(out, Violation{
			Kind:    ViolationForbiddenCommand,
			Message: fmt.Sprintf("function %q is not permitted", name),
			Details: map[string]string{"function": name},
		})
	}
	return out
}

func checkCartesian(parsed *pg_query.ParseResult) []Violation {
	var out []Violation
	walkJoins(parsed, func(join *pg_query.JoinExpr) {
		if joinIsCartesian(join) {
			reason := "missing join condition"
			if join.Quals != nil {
				reason = "join condition references no columns"
			}
			out = append(out, Violation{
				Kind:    ViolationCartesianJoin,
				Message: "join has no effective condition and risks a Cartesian product",
				Details: map[string]string{"reason": reason},
			})
		}
	})
	return out
}

// checkColumnAllowlist verifies explicitly projected columns against the
// schema snapshot. Star projections are not expanded and therefore not
// individually checked; callers needing full coverage must project
// explicit columns.
func checkColumnAllowlist(parsed *pg_query.ParseResult, schema *SchemaSnapshot) []Violation {
	if schema == nil {
		return nil
	}
	tables := collectTables(parsed)
	aliasToTable := map[string]string{}
	for _, t := range tables {
		aliasToTable[t.name] = t.name
		if t.alias != "" {
			aliasToTable[t.alias] = t.name
		}
	}

	var out []Violation
	seen := map[string]bool{}
	for _, ref := range projectedColumns(parsed) {
		table, column, ok := resolveColumn(ref, aliasToTable)
		if !ok || table == "" {
			continue
		}
		allowed := schema.AllowedColumns(table)
		if allowed == nil {
			continue
		}
		key := table + "." + column
		if allowed[column] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Violation{
			Kind:    ViolationColumnAllowlist,
			Message: fmt.Sprintf("column %q is not in the allowed set for table %q", column, table),
			Details: map[string]string{"table": table, "column": column},
		})
	}
	return out
}

// projectedColumns returns the column references in SELECT target lists.
func projectedColumns(parsed *pg_query.ParseResult) []*pg_query.ColumnRef {
	var refs []*pg_query.ColumnRef
	walkSelects(parsed, func(sel *pg_query.SelectStmt) {
		for _, target := range sel.TargetList {
			rt, ok := target.GetNode().(*pg_query.Node_ResTarget)
			if !ok || rt.ResTarget.Val == nil {
				continue
			}
			if cr, ok := rt.ResTarget.Val.GetNode().(*pg_query.Node_ColumnRef); ok {
				refs = append(refs, cr.ColumnRef)
			}
		}
	})
	return refs
}

func walkSelects(parsed *pg_query.ParseResult, fn func(*pg_query.SelectStmt)) {
	walkMessages(parsed.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() != "pg_query.SelectStmt" {
			return
		}
		if sel, ok := m.Interface().(*pg_query.SelectStmt); ok {
			fn(sel)
		}
	})
}

func walkJoins(parsed *pg_query.ParseResult, fn func(*pg_query.JoinExpr)) {
	walkMessages(parsed.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() != "pg_query.JoinExpr" {
			return
		}
		if join, ok := m.Interface().(*pg_query.JoinExpr); ok {
			fn(join)
		}
	})
}
