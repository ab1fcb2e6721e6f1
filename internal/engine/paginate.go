package engine

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"queryguard/internal/cursor"
)

// keysetPosition is the resume point decoded from a keyset cursor: the
// ordering keys and the last returned row's values for them.
type keysetPosition struct {
	keys   []cursor.OrderingKey
	values []any
}

// applyPagination rewrites the statement's LIMIT/OFFSET via the parse
// tree and, for keyset resumption, ANDs a tuple comparison against the
// resume position into the WHERE clause. Key values travel as bound
// parameters numbered from nextParam. Returns the rewritten SQL and the
// extra parameters to append.
func applyPagination(sqlText string, fetch, offset int64, pos *keysetPosition, nextParam int) (string, []any, error) {
	tree, err := pg_query.Parse(sqlText)
	if err != nil {
		return "", nil, fmt.Errorf("parse for pagination: %w", err)
	}
	if len(tree.Stmts) != 1 {
		return "", nil, fmt.Errorf("pagination requires a single statement")
	}
	selNode, ok := tree.Stmts[0].Stmt.GetNode().(*pg_query.Node_SelectStmt)
	if !ok {
		return "", nil, fmt.Errorf("pagination requires a SELECT statement")
	}
	sel := selNode.SelectStmt

	sel.LimitCount = makeIntConstNode(fetch)
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
	if offset > 0 {
		sel.LimitOffset = makeIntConstNode(offset)
	}

	var extra []any
	if pos != nil {
		if len(sel.SortClause) == 0 {
			return "", nil, fmt.Errorf("keyset pagination requires an ORDER BY clause")
		}
		pred, err := makeKeysetPredicate(pos, nextParam)
		if err != nil {
			return "", nil, err
		}
		if sel.WhereClause == nil {
			sel.WhereClause = pred
		} else {
			sel.WhereClause = &pg_query.Node{
				Node: &pg_query.Node_BoolExpr{
					BoolExpr: &pg_query.BoolExpr{
						Boolop: pg_query.BoolExprType_AND_EXPR,
						Args:   []*pg_query.Node{sel.WhereClause, pred},
					},
				},
			}
		}
		extra = pos.values
	}

	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "", nil, fmt.Errorf("deparse paginated query: %w", err)
	}
	return out, extra, nil
}

// makeKeysetPredicate builds `(k1, k2) > ($n, $n+1)` for ascending keys
// or `<` for descending. Mixed directions cannot be expressed as one
// tuple comparison and are rejected.
func makeKeysetPredicate(pos *keysetPosition, nextParam int) (*pg_query.Node, error) {
	if len(pos.keys) == 0 || len(pos.keys) != len(pos.values) {
		return nil, fmt.Errorf("keyset position is inconsistent")
	}
	dir := pos.keys[0].Direction
	for _, k := range pos.keys[1:] {
		if k.Direction != dir {
			return nil, fmt.Errorf("mixed-direction keyset ordering cannot be resumed")
		}
	}
	op := ">"
	if dir == cursor.DirDesc {
		op = "<"
	}

	if len(pos.keys) == 1 {
		return makeComparison(op, makeOrderingColumnRef(pos.keys[0].Column), makeParamRefNode(nextParam)), nil
	}

	cols := make([]*pg_query.Node, len(pos.keys))
	params := make([]*pg_query.Node, len(pos.keys))
	for i, k := range pos.keys {
		cols[i] = makeOrderingColumnRef(k.Column)
		params[i] = makeParamRefNode(nextParam + i)
	}
	return makeComparison(op, makeRowNode(cols), makeRowNode(params)), nil
}

func makeComparison(op string, left, right *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_AExpr{
			AExpr: &pg_query.A_Expr{
				Kind: pg_query.A_Expr_Kind_AEXPR_OP,
				Name: []*pg_query.Node{{
					Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: op}},
				}},
				Lexpr: left,
				Rexpr: right,
			},
		},
	}
}

// makeOrderingColumnRef builds a ColumnRef, honoring an alias qualifier
// in the key name ("o.id" becomes o."id").
func makeOrderingColumnRef(column string) *pg_query.Node {
	parts := strings.Split(column, ".")
	fields := make([]*pg_query.Node, len(parts))
	for i, p := range parts {
		fields[i] = &pg_query.Node{
			Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: p}},
		}
	}
	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{
			ColumnRef: &pg_query.ColumnRef{Fields: fields},
		},
	}
}

func makeParamRefNode(number int) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_ParamRef{
			ParamRef: &pg_query.ParamRef{Number: int32(number)},
		},
	}
}

func makeRowNode(args []*pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_RowExpr{
			RowExpr: &pg_query.RowExpr{
				Args:      args,
				RowFormat: pg_query.CoercionForm_COERCE_IMPLICIT_CAST,
			},
		},
	}
}

func makeIntConstNode(v int64) *pg_query.Node {
	if v >= -2147483648 && v <= 2147483647 {
		return &pg_query.Node{
			Node: &pg_query.Node_AConst{
				AConst: &pg_query.A_Const{
					Val: &pg_query.A_Const_Ival{
						Ival: &pg_query.Integer{Ival: int32(v)},
					},
				},
			},
		}
	}
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Fval{
					Fval: &pg_query.Float{Fval: fmt.Sprintf("%d", v)},
				},
			},
		},
	}
}
