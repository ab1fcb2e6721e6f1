package sqlshape

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"queryguard/internal/domain"
)

// DefaultMaxASTNodes is the node budget applied when Options.MaxASTNodes
// is zero.
const DefaultMaxASTNodes = 2000

// Options controls classification behavior.
type Options struct {
	// Strict enables the aggressive correlated-subquery rule: any column
	// reference inside a subquery that cannot be resolved against that
	// subquery's own FROM scope is assumed to reference the outer query.
	// When false (relaxed), only a reference explicitly qualified with a
	// known outer alias counts — a narrow carve-out kept for legacy
	// compatibility.
	Strict bool
	// MaxASTNodes caps the parse-tree size before any other verdict.
	MaxASTNodes int
}

func (o Options) maxNodes() int {
	if o.MaxASTNodes <= 0 {
		return DefaultMaxASTNodes
	}
	return o.MaxASTNodes
}

// Parse parses a SQL string into a parse tree. Empty input and parser
// failures return a domain.ParseError. The parser error text is not
// propagated verbatim; it can echo query fragments.
func Parse(sql string) (*pg_query.ParseResult, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, domain.ErrParse("empty SQL statement")
	}
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, domain.ErrParse("SQL could not be parsed")
	}
	return result, nil
}

// ClassifySQL parses and classifies in one step, mapping parse failures
// to ShapeParseError.
func ClassifySQL(sql string, opts Options) Shape {
	result, err := Parse(sql)
	if err != nil {
		return ShapeParseError
	}
	return Classify(result, opts)
}

// Classify determines the shape of a parsed statement. The verdict is
// deterministic for identical (tree, options) inputs.
func Classify(result *pg_query.ParseResult, opts Options) Shape {
	if result == nil || len(result.Stmts) == 0 {
		return ShapeParseError
	}

	// Node budget is checked first so oversized statements are cut off
	// before any deeper analysis.
	if CountNodes(result) > opts.maxNodes() {
		return ShapeUnsupportedComplexity
	}

	// Multi-statement input is rejected outright: a second statement is
	// how piggy-backed injection rides along.
	if len(result.Stmts) != 1 {
		return ShapeUnsupportedStatementType
	}

	node := result.Stmts[0].Stmt
	if node == nil {
		return ShapeParseError
	}
	selNode, ok := node.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return ShapeUnsupportedStatementType
	}
	sel := selNode.SelectStmt

	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		return ShapeUnsupportedSetOperation
	}
	// VALUES lists and SELECT INTO parse as SelectStmt but are not
	// queries we scope.
	if len(sel.ValuesLists) > 0 || sel.IntoClause != nil {
		return ShapeUnsupportedStatementType
	}
	// A set operation hidden inside a CTE body is still a set operation.
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			c, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
			if !ok {
				return ShapeUnsupportedStatementType
			}
			body, ok := c.CommonTableExpr.Ctequery.GetNode().(*pg_query.Node_SelectStmt)
			if !ok {
				return ShapeUnsupportedStatementType
			}
			if body.SelectStmt.Op != pg_query.SetOperation_SETOP_NONE {
				return ShapeUnsupportedSetOperation
			}
		}
	}

	if hasCorrelatedSubquery(sel, opts.Strict) {
		return ShapeUnsupportedCorrelatedSubquery
	}

	if sel.WithClause != nil {
		return ShapeSafeCTEQuery
	}
	return ShapeSafeSimpleSelect
}
