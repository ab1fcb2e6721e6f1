package sqlshape

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// scopeSet holds the lowercased table names and aliases a query level's
// FROM clause brings into scope.
type scopeSet map[string]bool

// hasCorrelatedSubquery reports whether any subquery nested under sel
// references the enclosing query. In strict mode an unresolvable column
// qualifier is assumed to point outward; in relaxed mode only a
// qualifier that matches a known outer alias counts.
func hasCorrelatedSubquery(sel *pg_query.SelectStmt, strict bool) bool {
	if sel == nil {
		return false
	}
	local := collectScope(sel)
	_, subs := directChildren(sel.ProtoReflect())
	for _, sub := range subs {
		if checkSubquery(sub, []scopeSet{local}, strict) {
			return true
		}
	}
	return false
}

// checkSubquery inspects one nested subquery: its own column references
// must resolve against its own FROM scope, then any deeper subqueries
// are checked with this level's scope added to the chain.
func checkSubquery(sub *pg_query.SelectStmt, enclosing []scopeSet, strict bool) bool {
	if sub == nil {
		return false
	}
	local := collectScope(sub)
	refs, subs := directChildren(sub.ProtoReflect())
	for _, ref := range refs {
		if refEscapes(ref, local, enclosing, strict) {
			return true
		}
	}
	chain := make([]scopeSet, len(enclosing), len(enclosing)+1)
	copy(chain, enclosing)
	chain = append(chain, local)
	for _, deeper := range subs {
		if checkSubquery(deeper, chain, strict) {
			return true
		}
	}
	return false
}

// refEscapes decides whether a single column reference inside a subquery
// points at the enclosing query.
func refEscapes(ref *pg_query.ColumnRef, local scopeSet, enclosing []scopeSet, strict bool) bool {
	if qualifier, ok := refQualifier(ref); ok {
		if local[qualifier] {
			return false
		}
		for _, scope := range enclosing {
			if scope[qualifier] {
				return true
			}
		}
		// Unknown qualifier: cannot be confirmed local, so strict mode
		// treats it as an outer reference.
		return strict
	}
	if !isBareColumn(ref) {
		return false
	}
	// An unqualified column in a subquery with no FROM scope of its own
	// can only come from the outer query.
	return strict && len(local) == 0
}

// refQualifier extracts the lowercased table qualifier of a column
// reference, e.g. "o" for o.id or "t" for t.*.
func refQualifier(ref *pg_query.ColumnRef) (string, bool) {
	fields := ref.GetFields()
	if len(fields) < 2 {
		return "", false
	}
	if s, ok := fields[len(fields)-2].GetNode().(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.Sval), true
	}
	return "", false
}

// isBareColumn reports whether ref is a single unqualified column name
// (as opposed to a bare *).
func isBareColumn(ref *pg_query.ColumnRef) bool {
	fields := ref.GetFields()
	if len(fields) != 1 {
		return false
	}
	_, ok := fields[0].GetNode().(*pg_query.Node_String_)
	return ok
}

// collectScope gathers the names a SELECT's FROM clause brings into scope.
func collectScope(sel *pg_query.SelectStmt) scopeSet {
	scope := scopeSet{}
	for _, item := range sel.GetFromClause() {
		addFromItem(item, scope)
	}
	return scope
}

func addFromItem(node *pg_query.Node, scope scopeSet) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		rv := n.RangeVar
		scope[strings.ToLower(rv.Relname)] = true
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			scope[strings.ToLower(rv.Alias.Aliasname)] = true
		}
	case *pg_query.Node_JoinExpr:
		addFromItem(n.JoinExpr.Larg, scope)
		addFromItem(n.JoinExpr.Rarg, scope)
		if n.JoinExpr.Alias != nil && n.JoinExpr.Alias.Aliasname != "" {
			scope[strings.ToLower(n.JoinExpr.Alias.Aliasname)] = true
		}
	case *pg_query.Node_RangeSubselect:
		if n.RangeSubselect.Alias != nil && n.RangeSubselect.Alias.Aliasname != "" {
			scope[strings.ToLower(n.RangeSubselect.Alias.Aliasname)] = true
		}
	case *pg_query.Node_RangeFunction:
		if n.RangeFunction.Alias != nil && n.RangeFunction.Alias.Aliasname != "" {
			scope[strings.ToLower(n.RangeFunction.Alias.Aliasname)] = true
		}
	}
}

const (
	selectStmtName = protoreflect.FullName("pg_query.SelectStmt")
	columnRefName  = protoreflect.FullName("pg_query.ColumnRef")
)

// directChildren collects the column references and subqueries reachable
// from m without crossing into a nested SelectStmt. Collected subqueries
// belong to the next level down; collected references belong to m's own
// level.
func directChildren(m protoreflect.Message) ([]*pg_query.ColumnRef, []*pg_query.SelectStmt) {
	var refs []*pg_query.ColumnRef
	var subs []*pg_query.SelectStmt
	collectDirect(m, &refs, &subs)
	return refs, subs
}

func collectDirect(m protoreflect.Message, refs *[]*pg_query.ColumnRef, subs *[]*pg_query.SelectStmt) {
	forEachChildMessage(m, func(child protoreflect.Message) {
		switch child.Descriptor().FullName() {
		case selectStmtName:
			if s, ok := child.Interface().(*pg_query.SelectStmt); ok {
				*subs = append(*subs, s)
			}
		case columnRefName:
			if r, ok := child.Interface().(*pg_query.ColumnRef); ok {
				*refs = append(*refs, r)
			}
		default:
			collectDirect(child, refs, subs)
		}
	})
}

func forEachChildMessage(m protoreflect.Message, fn func(protoreflect.Message)) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind {
				list := v.List()
				for i := 0; i < list.Len(); i++ {
					fn(list.Get(i).Message())
				}
			}
		case fd.IsMap():
			// No map fields in the parse tree.
		case fd.Kind() == protoreflect.MessageKind:
			fn(v.Message())
		}
		return true
	})
}
