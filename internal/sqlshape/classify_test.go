package sqlshape

import (
	"errors"
	"testing"

	"queryguard/internal/domain"
)

func assertShape(t *testing.T, sql string, opts Options, want Shape) {
	t.Helper()
	got := ClassifySQL(sql, opts)
	if got != want {
		t.Fatalf("ClassifySQL(%q) = %s, want %s", sql, got, want)
	}
}

func TestClassify_SimpleSelect(t *testing.T) {
	assertShape(t, "SELECT id, total FROM orders WHERE total > 10", Options{}, ShapeSafeSimpleSelect)
}

func TestClassify_SimpleJoin(t *testing.T) {
	assertShape(t, "SELECT o.id FROM orders o JOIN customers c ON o.customer_id = c.id", Options{}, ShapeSafeSimpleSelect)
}

func TestClassify_CTE(t *testing.T) {
	assertShape(t, "WITH recent AS (SELECT * FROM orders WHERE created_at > '2024-01-01') SELECT * FROM recent", Options{}, ShapeSafeCTEQuery)
}

func TestClassify_Union(t *testing.T) {
	assertShape(t, "SELECT id FROM orders UNION SELECT id FROM archived_orders", Options{}, ShapeUnsupportedSetOperation)
}

func TestClassify_Intersect(t *testing.T) {
	assertShape(t, "SELECT id FROM a INTERSECT SELECT id FROM b", Options{}, ShapeUnsupportedSetOperation)
}

func TestClassify_SetOperationInsideCTE(t *testing.T) {
	assertShape(t, "WITH u AS (SELECT id FROM a UNION SELECT id FROM b) SELECT * FROM u", Options{}, ShapeUnsupportedSetOperation)
}

func TestClassify_NonSelectStatements(t *testing.T) {
	for _, sql := range []string{
		"INSERT INTO orders (id) VALUES (1)",
		"UPDATE orders SET total = 0",
		"DELETE FROM orders",
		"DROP TABLE orders",
		"VALUES (1), (2)",
	} {
		assertShape(t, sql, Options{}, ShapeUnsupportedStatementType)
	}
}

func TestClassify_MultiStatement(t *testing.T) {
	assertShape(t, "SELECT 1; DROP TABLE orders", Options{}, ShapeUnsupportedStatementType)
}

func TestClassify_ParseError(t *testing.T) {
	assertShape(t, "SELEKT * FORM orders", Options{}, ShapeParseError)
	assertShape(t, "", Options{}, ShapeParseError)
}

func TestClassify_NodeBudget(t *testing.T) {
	assertShape(t, "SELECT id FROM orders", Options{MaxASTNodes: 3}, ShapeUnsupportedComplexity)
	assertShape(t, "SELECT id FROM orders", Options{MaxASTNodes: 10000}, ShapeSafeSimpleSelect)
}

func TestClassify_CorrelatedSubquery_OuterAlias(t *testing.T) {
	sql := "SELECT * FROM orders o WHERE EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id)"
	// An explicit outer-alias reference is correlated in both modes.
	assertShape(t, sql, Options{Strict: true}, ShapeUnsupportedCorrelatedSubquery)
	assertShape(t, sql, Options{}, ShapeUnsupportedCorrelatedSubquery)
}

func TestClassify_CorrelatedSubquery_UnknownQualifier(t *testing.T) {
	sql := "SELECT * FROM orders WHERE id IN (SELECT order_id FROM order_items WHERE z.flag = true)"
	// "z" resolves nowhere: strict assumes it points outward, relaxed
	// lets it through.
	assertShape(t, sql, Options{Strict: true}, ShapeUnsupportedCorrelatedSubquery)
	assertShape(t, sql, Options{}, ShapeSafeSimpleSelect)
}

func TestClassify_UncorrelatedSubquery(t *testing.T) {
	sql := "SELECT * FROM orders WHERE customer_id IN (SELECT id FROM customers WHERE active)"
	assertShape(t, sql, Options{Strict: true}, ShapeSafeSimpleSelect)
	assertShape(t, sql, Options{}, ShapeSafeSimpleSelect)
}

func TestClassify_ScalarSubqueryWithoutFrom(t *testing.T) {
	sql := "SELECT (SELECT total) FROM orders"
	// The inner query has no FROM scope of its own, so "total" must be
	// an outer column.
	assertShape(t, sql, Options{Strict: true}, ShapeUnsupportedCorrelatedSubquery)
	assertShape(t, sql, Options{}, ShapeSafeSimpleSelect)
}

func TestClassify_Deterministic(t *testing.T) {
	sql := "SELECT o.id FROM orders o JOIN customers c ON o.customer_id = c.id WHERE o.total > 5"
	opts := Options{Strict: true, MaxASTNodes: 500}
	first := ClassifySQL(sql, opts)
	for i := 0; i < 20; i++ {
		if got := ClassifySQL(sql, opts); got != first {
			t.Fatalf("classification not deterministic: run %d got %s, first %s", i, got, first)
		}
	}
}

func TestParse_ErrorType(t *testing.T) {
	_, err := Parse("not sql at all (")
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *domain.ParseError, got %T", err)
	}
}

func TestCountNodes_GrowsWithQuery(t *testing.T) {
	small, err := Parse("SELECT 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	big, err := Parse("SELECT a, b, c FROM t1 JOIN t2 ON t1.x = t2.y WHERE a > 1 AND b < 2 ORDER BY c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if CountNodes(small) <= 0 {
		t.Fatal("node count for SELECT 1 should be positive")
	}
	if CountNodes(big) <= CountNodes(small) {
		t.Fatalf("bigger query should have more nodes: %d vs %d", CountNodes(big), CountNodes(small))
	}
}

func TestShape_Safe(t *testing.T) {
	if !ShapeSafeSimpleSelect.Safe() || !ShapeSafeCTEQuery.Safe() {
		t.Fatal("safe shapes must report Safe()")
	}
	for _, s := range []Shape{ShapeUnsupportedSetOperation, ShapeUnsupportedStatementType, ShapeUnsupportedCorrelatedSubquery, ShapeUnsupportedComplexity, ShapeParseError} {
		if s.Safe() {
			t.Fatalf("%s must not report Safe()", s)
		}
	}
}
