// Package sqlshape parses SQL and classifies it into a closed set of
// structural shapes. The shape decides whether automated tenant-scoping
// rewrites are safe to apply: anything that cannot be positively
// confirmed as a plain (possibly CTE-wrapped) SELECT is reported as
// unsupported rather than guessed at.
package sqlshape

// Shape is the structural classification of a parsed SQL statement.
type Shape int

// Query shapes, from safest to least supported.
const (
	// ShapeSafeSimpleSelect is a single SELECT with no set operations,
	// no CTEs, and no correlated subqueries.
	ShapeSafeSimpleSelect Shape = iota
	// ShapeSafeCTEQuery is a WITH-wrapped simple SELECT.
	ShapeSafeCTEQuery
	// ShapeUnsupportedSetOperation is a UNION/INTERSECT/EXCEPT query.
	ShapeUnsupportedSetOperation
	// ShapeUnsupportedStatementType is anything that is not a SELECT
	// (DML, DDL, utility statements, multi-statement input, VALUES).
	ShapeUnsupportedStatementType
	// ShapeUnsupportedCorrelatedSubquery is a SELECT containing a
	// subquery that references the outer query.
	ShapeUnsupportedCorrelatedSubquery
	// ShapeUnsupportedComplexity is a statement whose AST exceeds the
	// configured node budget.
	ShapeUnsupportedComplexity
	// ShapeParseError is SQL that could not be parsed at all.
	ShapeParseError
)

func (s Shape) String() string {
	switch s {
	case ShapeSafeSimpleSelect:
		return "SAFE_SIMPLE_SELECT"
	case ShapeSafeCTEQuery:
		return "SAFE_CTE_QUERY"
	case ShapeUnsupportedSetOperation:
		return "UNSUPPORTED_SET_OPERATION"
	case ShapeUnsupportedStatementType:
		return "UNSUPPORTED_STATEMENT_TYPE"
	case ShapeUnsupportedCorrelatedSubquery:
		return "UNSUPPORTED_CORRELATED_SUBQUERY"
	case ShapeUnsupportedComplexity:
		return "UNSUPPORTED_COMPLEXITY"
	default:
		return "PARSE_ERROR"
	}
}

// Safe reports whether the shape is eligible for tenant-scoping rewrites.
func (s Shape) Safe() bool {
	return s == ShapeSafeSimpleSelect || s == ShapeSafeCTEQuery
}
