// Package sqlutil holds small database/sql helpers shared by the storage
// backends.
package sqlutil

import (
	"context"
	"database/sql"
	"strings"
)

// Querier is the subset of *sql.DB and *sql.Tx the backends run statements on.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InClauseArgs returns a comma-separated list of "?" placeholders and the
// corresponding args slice.
//
// If items is empty, it returns "NULL" and no args, so `IN (NULL)` matches nothing.
func InClauseArgs[T any](items []T) (placeholders string, args []any) {
	if len(items) == 0 {
		return "NULL", nil
	}
	args = make([]any, len(items))
	for i, item := range items {
		args[i] = item
	}
	return Placeholders(len(items)), args
}

// Placeholders returns n comma-separated "?" placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// QuoteIdent quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes every name and joins them with ", ".
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// ScanRows scans all rows into a slice using the provided scanner.
func ScanRows[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ScanInt64 scans a single integer column.
func ScanInt64(rows *sql.Rows) (int64, error) {
	var v int64
	err := rows.Scan(&v)
	return v, err
}
