package sqlsec

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Advisory complexity weights. The score feeds downstream retry and cost
// heuristics only; it has no bearing on whether a query is allowed.
const (
	WeightJoin     = 3
	WeightSubquery = 2
	WeightUnion    = 2
	WeightTable    = 1
)

// JoinComplexity buckets for Metadata.JoinComplexity.
const (
	JoinComplexityNone     = "none"
	JoinComplexitySimple   = "simple"
	JoinComplexityModerate = "moderate"
	JoinComplexityComplex  = "complex"
)

// Metadata is the structural profile of a statement. It is collected on
// every validation pass, including failing ones, so rejected queries
// still leave an audit trail.
type Metadata struct {
	TableLineage        []string            `json:"table_lineage"`
	ColumnUsage         map[string][]string `json:"column_usage"`
	JoinCount           int                 `json:"join_count"`
	JoinComplexity      string              `json:"join_complexity"`
	UnionCount          int                 `json:"union_count"`
	HasAggregation      bool                `json:"has_aggregation"`
	HasSubquery         bool                `json:"has_subquery"`
	HasWindowFunction   bool                `json:"has_window_function"`
	EstimatedTableCount int                 `json:"estimated_table_count"`
	ComplexityScore     int                 `json:"query_complexity_score"`
	CartesianDetected   bool                `json:"detected_cartesian_flag"`
}

var aggregateFunctions = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"array_agg": true, "string_agg": true, "json_agg": true,
	"bool_and": true, "bool_or": true, "every": true,
	"stddev": true, "stddev_pop": true, "stddev_samp": true,
	"variance": true, "var_pop": true, "var_samp": true,
}

// ExtractMetadata profiles a parsed statement in a single pass over the
// tree.
func ExtractMetadata(result *pg_query.ParseResult) Metadata {
	md := Metadata{ColumnUsage: map[string][]string{}}
	if result == nil {
		md.JoinComplexity = JoinComplexityNone
		return md
	}

	tables := collectTables(result)
	seenTables := map[string]bool{}
	for _, t := range tables {
		if !seenTables[t.fullName()] {
			seenTables[t.fullName()] = true
			md.TableLineage = append(md.TableLineage, t.fullName())
		}
	}
	md.EstimatedTableCount = len(md.TableLineage)

	aliasToTable := map[string]string{}
	for _, t := range tables {
		aliasToTable[t.name] = t.name
		if t.alias != "" {
			aliasToTable[t.alias] = t.name
		}
	}

	selectCount := 0
	subqueryCount := 0
	colSeen := map[string]bool{}
	walkMessages(result.ProtoReflect(), func(m protoreflect.Message) {
		switch m.Descriptor().FullName() {
		case "pg_query.SelectStmt":
			selectCount++
			if sel, ok := m.Interface().(*pg_query.SelectStmt); ok {
				if sel.Op != pg_query.SetOperation_SETOP_NONE {
					md.UnionCount++
				}
				if len(sel.GroupClause) > 0 || sel.HavingClause != nil {
					md.HasAggregation = true
				}
				if len(sel.WindowClause) > 0 {
					md.HasWindowFunction = true
				}
			}
		case "pg_query.JoinExpr":
			md.JoinCount++
			if join, ok := m.Interface().(*pg_query.JoinExpr); ok && joinIsCartesian(join) {
				md.CartesianDetected = true
			}
		case "pg_query.FuncCall":
			if fc, ok := m.Interface().(*pg_query.FuncCall); ok {
				name := funcCallName(fc)
				if aggregateFunctions[name] || fc.AggStar || fc.AggDistinct {
					md.HasAggregation = true
				}
				if fc.Over != nil {
					md.HasWindowFunction = true
				}
			}
		case "pg_query.ColumnRef":
			if ref, ok := m.Interface().(*pg_query.ColumnRef); ok {
				table, column, ok := resolveColumn(ref, aliasToTable)
				if ok && !colSeen[table+"."+column] {
					colSeen[table+"."+column] = true
					md.ColumnUsage[table] = append(md.ColumnUsage[table], column)
				}
			}
		}
	})
	// Every SELECT beyond the outermost one is a subquery (set-operation
	// arms and CTE bodies included).
	if selectCount > 1 {
		subqueryCount = selectCount - 1
		md.HasSubquery = true
	}

	md.ComplexityScore = WeightJoin*md.JoinCount +
		WeightSubquery*subqueryCount +
		WeightUnion*md.UnionCount +
		WeightTable*md.EstimatedTableCount
	md.JoinComplexity = joinComplexityBucket(md.JoinCount)
	return md
}

func joinComplexityBucket(joins int) string {
	switch {
	case joins == 0:
		return JoinComplexityNone
	case joins <= 2:
		return JoinComplexitySimple
	case joins <= 4:
		return JoinComplexityModerate
	default:
		return JoinComplexityComplex
	}
}

// joinIsCartesian reports whether a join has no usable qualifier: an
// explicit CROSS JOIN (no ON, no USING, not NATURAL) or an ON condition
// that references no columns and therefore cannot relate its sides.
func joinIsCartesian(join *pg_query.JoinExpr) bool {
	if join.IsNatural || len(join.UsingClause) > 0 {
		return false
	}
	if join.Quals == nil {
		return true
	}
	return !hasColumnRef(join.Quals)
}

// resolveColumn maps a column reference to (table, column). Unqualified
// columns resolve only when exactly one table is in play; bare stars are
// skipped.
func resolveColumn(ref *pg_query.ColumnRef, aliasToTable map[string]string) (string, string, bool) {
	fields := ref.GetFields()
	if len(fields) == 0 {
		return "", "", false
	}
	last, ok := fields[len(fields)-1].GetNode().(*pg_query.Node_String_)
	if !ok {
		return "", "", false
	}
	column := strings.ToLower(last.String_.Sval)

	if len(fields) >= 2 {
		if q, ok := fields[len(fields)-2].GetNode().(*pg_query.Node_String_); ok {
			qualifier := strings.ToLower(q.String_.Sval)
			if table, known := aliasToTable[qualifier]; known {
				return table, column, true
			}
			return qualifier, column, true
		}
		return "", "", false
	}

	distinct := map[string]bool{}
	for _, table := range aliasToTable {
		distinct[table] = true
	}
	if len(distinct) == 1 {
		for table := range distinct {
			return table, column, true
		}
	}
	return "", column, true
}

// fromTableRe is the narrow fallback used only when parsing fails:
// it recovers FROM/JOIN table names so the audit trail is not empty.
// It is never consulted for security decisions.
var fromTableRe = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// fallbackMetadata builds a best-effort profile for unparsable SQL.
func fallbackMetadata(sql string) Metadata {
	md := Metadata{
		ColumnUsage:    map[string][]string{},
		JoinComplexity: JoinComplexityNone,
	}
	seen := map[string]bool{}
	for _, match := range fromTableRe.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(match[1])
		if !seen[name] {
			seen[name] = true
			md.TableLineage = append(md.TableLineage, name)
		}
	}
	md.EstimatedTableCount = len(md.TableLineage)
	md.ComplexityScore = WeightTable * md.EstimatedTableCount
	return md
}
