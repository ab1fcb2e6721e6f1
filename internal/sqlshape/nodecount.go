package sqlshape

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// CountNodes returns the number of nodes in a parse tree. Every protobuf
// message in the tree counts as one node, so constructs the classifier
// does not know about still contribute to the budget.
func CountNodes(result *pg_query.ParseResult) int {
	if result == nil {
		return 0
	}
	return countMessage(result.ProtoReflect())
}

func countMessage(m protoreflect.Message) int {
	n := 1
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind {
				list := v.List()
				for i := 0; i < list.Len(); i++ {
					n += countMessage(list.Get(i).Message())
				}
			}
		case fd.IsMap():
			// The parse tree has no map fields.
		case fd.Kind() == protoreflect.MessageKind:
			n += countMessage(v.Message())
		}
		return true
	})
	return n
}
