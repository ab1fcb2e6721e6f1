package sqlsec

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// tableRef is one table reference found anywhere in the statement,
// including JOIN arms and subqueries.
type tableRef struct {
	schema string
	name   string
	alias  string
}

// fullName returns the lowercased schema-qualified name when a schema is
// present, else the bare lowercased name.
func (t tableRef) fullName() string {
	if t.schema != "" {
		return t.schema + "." + t.name
	}
	return t.name
}

// collectTables gathers every table reference in the parse tree,
// deduplicated by qualified name but keeping first-seen order.
func collectTables(result *pg_query.ParseResult) []tableRef {
	var refs []tableRef
	seen := map[string]bool{}
	walkMessages(result.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() != "pg_query.RangeVar" {
			return
		}
		rv, ok := m.Interface().(*pg_query.RangeVar)
		if !ok {
			return
		}
		ref := tableRef{
			schema: strings.ToLower(rv.Schemaname),
			name:   strings.ToLower(rv.Relname),
		}
		if rv.Alias != nil {
			ref.alias = strings.ToLower(rv.Alias.Aliasname)
		}
		key := ref.fullName() + "|" + ref.alias
		if ref.name == "" || seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, ref)
	})
	return refs
}

// cteNames returns the lowercased names defined by WITH clauses. A FROM
// reference to a CTE is not a physical table and is excluded from
// restricted-table and allowlist checks.
func cteNames(result *pg_query.ParseResult) map[string]bool {
	names := map[string]bool{}
	walkMessages(result.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() != "pg_query.CommonTableExpr" {
			return
		}
		if cte, ok := m.Interface().(*pg_query.CommonTableExpr); ok && cte.Ctename != "" {
			names[strings.ToLower(cte.Ctename)] = true
		}
	})
	return names
}

// collectFunctionNames returns the lowercased names of every function
// called in the statement.
func collectFunctionNames(result *pg_query.ParseResult) []string {
	var names []string
	walkMessages(result.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() != "pg_query.FuncCall" {
			return
		}
		fc, ok := m.Interface().(*pg_query.FuncCall)
		if !ok {
			return
		}
		if name := funcCallName(fc); name != "" {
			names = append(names, name)
		}
	})
	return names
}

// funcCallName extracts the unqualified lowercased function name.
func funcCallName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	if s, ok := parts[len(parts)-1].GetNode().(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.Sval)
	}
	return ""
}

// hasColumnRef reports whether any column reference appears under node.
// A join qualifier without one cannot relate its two sides.
func hasColumnRef(node *pg_query.Node) bool {
	if node == nil {
		return false
	}
	found := false
	walkMessages(node.ProtoReflect(), func(m protoreflect.Message) {
		if m.Descriptor().FullName() == "pg_query.ColumnRef" {
			found = true
		}
	})
	return found
}

// walkMessages visits every protobuf message in the tree rooted at m,
// including m itself.
func walkMessages(m protoreflect.Message, fn func(protoreflect.Message)) {
	fn(m)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind {
				list := v.List()
				for i := 0; i < list.Len(); i++ {
					walkMessages(list.Get(i).Message(), fn)
				}
			}
		case fd.IsMap():
			// No map fields in the parse tree.
		case fd.Kind() == protoreflect.MessageKind:
			walkMessages(v.Message(), fn)
		}
		return true
	})
}
