package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Executor runs the final, scoped and validated SQL. The engine never
// talks to a database directly; callers supply the execution backend.
type Executor interface {
	Query(ctx context.Context, sqlText string, params []any) ([]map[string]any, error)
}

// Compile-time check.
var _ Executor = (*SQLExecutor)(nil)

// SQLExecutor adapts a *sql.DB to the Executor interface, materializing
// result rows as column-name keyed maps.
type SQLExecutor struct {
	db      *sql.DB
	rewrite func(string) string
}

// NewSQLExecutor wraps a database handle.
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

// NewSQLiteExecutor wraps a SQLite handle. Deparsed statements number
// their parameters $1..$N, but SQLite binds bare placeholders in
// first-occurrence order; rewriting to the explicit ?N form keeps each
// argument bound to its number regardless of where it appears in the
// text.
func NewSQLiteExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db, rewrite: numberedPlaceholders}
}

// numberedPlaceholders rewrites $N parameter references to ?N, leaving
// quoted literals and identifiers untouched.
func numberedPlaceholders(sqlText string) string {
	var b strings.Builder
	b.Grow(len(sqlText))
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		switch c {
		case '\'', '"':
			quote := c
			b.WriteByte(c)
			for i++; i < len(sqlText); i++ {
				b.WriteByte(sqlText[i])
				if sqlText[i] == quote {
					// Doubled quotes escape the delimiter.
					if i+1 < len(sqlText) && sqlText[i+1] == quote {
						i++
						b.WriteByte(quote)
						continue
					}
					break
				}
			}
		case '$':
			if i+1 < len(sqlText) && sqlText[i+1] >= '0' && sqlText[i+1] <= '9' {
				b.WriteByte('?')
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Query executes the statement and scans every row.
func (e *SQLExecutor) Query(ctx context.Context, sqlText string, params []any) ([]map[string]any, error) {
	if e.rewrite != nil {
		sqlText = e.rewrite(sqlText)
	}
	rows, err := e.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
