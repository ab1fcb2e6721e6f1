package tenancy

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// tableRef holds a table name and its alias for column qualification.
type tableRef struct {
	name  string
	alias string
}

// qualifier returns the identifier tenant predicates should be qualified
// with: the alias when present, the table name otherwise.
func (r tableRef) qualifier() string {
	if r.alias != "" {
		return r.alias
	}
	return r.name
}

// collectTableRefs extracts table references from FROM clause nodes,
// descending through joins.
func collectTableRefs(fromClause []*pg_query.Node) []tableRef {
	var refs []tableRef
	for _, node := range fromClause {
		collectTableRefsFromNode(node, &refs)
	}
	return refs
}

func collectTableRefsFromNode(node *pg_query.Node, refs *[]tableRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		ref := tableRef{name: n.RangeVar.Relname}
		if n.RangeVar.Alias != nil && n.RangeVar.Alias.Aliasname != "" {
			ref.alias = n.RangeVar.Alias.Aliasname
		}
		*refs = append(*refs, ref)
	case *pg_query.Node_JoinExpr:
		collectTableRefsFromNode(n.JoinExpr.Larg, refs)
		collectTableRefsFromNode(n.JoinExpr.Rarg, refs)
	}
}

// rewriter injects tenant predicates into every SELECT whose FROM clause
// references an allowlisted table. It records how many targets were
// rewritten so the caller can enforce its target budget.
type rewriter struct {
	column      string
	paramNumber int
	allowlisted func(table string) bool
	targets     int
}

// rewriteStmt walks a statement node and injects tenant predicates.
func (w *rewriter) rewriteStmt(node *pg_query.Node) {
	if node == nil {
		return
	}
	if n, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		w.rewriteSelect(n.SelectStmt)
	}
}

func (w *rewriter) rewriteSelect(sel *pg_query.SelectStmt) {
	if sel == nil {
		return
	}

	// Set-operation arms and CTE bodies are scoped independently.
	w.rewriteSelect(sel.Larg)
	w.rewriteSelect(sel.Rarg)
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				w.rewriteStmt(c.CommonTableExpr.Ctequery)
			}
		}
	}

	var predicates []*pg_query.Node
	for _, ref := range collectTableRefs(sel.FromClause) {
		if !w.allowlisted(strings.ToLower(ref.name)) {
			continue
		}
		predicates = append(predicates, makeTenantPredicate(w.column, ref.qualifier(), w.paramNumber))
		w.targets++
	}

	if len(predicates) > 0 {
		combined := combineWithAnd(predicates)
		if sel.WhereClause == nil {
			sel.WhereClause = combined
		} else {
			sel.WhereClause = makeAndExpr(sel.WhereClause, combined)
		}
	}

	for _, from := range sel.FromClause {
		w.rewriteFromNode(from)
	}
	w.rewriteExpr(sel.WhereClause)
	w.rewriteExpr(sel.HavingClause)
}

// rewriteFromNode recurses into derived tables so nested SELECTs over
// allowlisted tables are scoped too.
func (w *rewriter) rewriteFromNode(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeSubselect:
		w.rewriteStmt(n.RangeSubselect.Subquery)
	case *pg_query.Node_JoinExpr:
		w.rewriteFromNode(n.JoinExpr.Larg)
		w.rewriteFromNode(n.JoinExpr.Rarg)
	}
}

// rewriteExpr recurses into subqueries nested in expressions.
func (w *rewriter) rewriteExpr(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SubLink:
		w.rewriteStmt(n.SubLink.Subselect)
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			w.rewriteExpr(arg)
		}
	case *pg_query.Node_AExpr:
		w.rewriteExpr(n.AExpr.Lexpr)
		w.rewriteExpr(n.AExpr.Rexpr)
	}
}

// makeTenantPredicate builds `qualifier.column = $paramNumber`. The tenant
// value travels as a bound parameter, never as inlined SQL text.
func makeTenantPredicate(column, qualifier string, paramNumber int) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AExpr{
			AExpr: &pg_query.A_Expr{
				Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
				Name:  []*pg_query.Node{makeStringNode("=")},
				Lexpr: makeColumnRef(column, qualifier),
				Rexpr: &pg_query.Node{
					Node: &pg_query.Node_ParamRef{
						ParamRef: &pg_query.ParamRef{Number: int32(paramNumber)},
					},
				},
			},
		},
	}
}

// makeColumnRef creates a ColumnRef node, qualified when qualifier is
// non-empty.
func makeColumnRef(column, qualifier string) *pg_query.Node {
	var fields []*pg_query.Node
	if qualifier != "" {
		fields = append(fields, makeStringNode(qualifier))
	}
	fields = append(fields, makeStringNode(column))

	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{
			ColumnRef: &pg_query.ColumnRef{Fields: fields},
		},
	}
}

func makeStringNode(s string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_String_{
			String_: &pg_query.String{Sval: s},
		},
	}
}

// combineWithAnd combines expressions into a single BoolExpr AND. A single
// expression is returned directly.
func combineWithAnd(exprs []*pg_query.Node) *pg_query.Node {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   exprs,
			},
		},
	}
}

// makeAndExpr ANDs two expressions, flattening nested ANDs.
func makeAndExpr(left, right *pg_query.Node) *pg_query.Node {
	var args []*pg_query.Node

	if be, ok := left.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, left)
	}
	if be, ok := right.Node.(*pg_query.Node_BoolExpr); ok && be.BoolExpr.Boolop == pg_query.BoolExprType_AND_EXPR {
		args = append(args, be.BoolExpr.Args...)
	} else {
		args = append(args, right)
	}

	return &pg_query.Node{
		Node: &pg_query.Node_BoolExpr{
			BoolExpr: &pg_query.BoolExpr{
				Boolop: pg_query.BoolExprType_AND_EXPR,
				Args:   args,
			},
		},
	}
}
