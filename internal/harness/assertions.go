package harness

import (
	"context"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

// validIdentifier matches the table and column names assertions may use.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// AssertionError describes an assertion that did not hold.
type AssertionError struct {
	Index    int
	Type     string
	Expected any
	Actual   any
	Message  string
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("assertions[%d] %s: %s", e.Index, e.Type, e.Message)
	}
	return fmt.Sprintf("assertions[%d] %s: expected %v, got %v", e.Index, e.Type, e.Expected, e.Actual)
}

func checkAssertions(ctx context.Context, pool *sqlconn.Pool, assertions []Assertion, result *Result) {
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRowCount:
			err = assertRowCount(ctx, pool, i, a)
		case AssertFinalState:
			err = assertFinalState(ctx, pool, i, a)
		case AssertStatementCount:
			if n := result.Count(a.Op); n != a.Count {
				err = &AssertionError{Index: i, Type: a.Type, Expected: a.Count, Actual: n}
			}
		default:
			err = &AssertionError{Index: i, Type: a.Type, Message: "unknown assertion type"}
		}
		if err != nil {
			result.AddFailure("%v", err)
		}
	}
}

func assertRowCount(ctx context.Context, pool *sqlconn.Pool, index int, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return &AssertionError{Index: index, Type: a.Type, Message: fmt.Sprintf("invalid table name %q", a.Table)}
	}
	var n int
	if err := pool.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, a.Table)).Scan(&n); err != nil {
		return &AssertionError{Index: index, Type: a.Type, Message: err.Error()}
	}
	if n != a.Count {
		return &AssertionError{Index: index, Type: a.Type, Expected: a.Count, Actual: n}
	}
	return nil
}

// assertFinalState selects the single row of Table matching Where and
// compares the Expect columns.
func assertFinalState(ctx context.Context, pool *sqlconn.Pool, index int, a Assertion) error {
	fail := func(format string, args ...any) error {
		return &AssertionError{Index: index, Type: a.Type, Message: fmt.Sprintf(format, args...)}
	}
	if !validIdentifier.MatchString(a.Table) {
		return fail("invalid table name %q", a.Table)
	}

	cols := slices.Sorted(maps.Keys(a.Where))
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if !validIdentifier.MatchString(col) {
			return fail("invalid column name %q", col)
		}
		conds[i] = fmt.Sprintf(`"%s" = ?`, col)
		args[i] = a.Where[col]
	}
	query := fmt.Sprintf(`SELECT * FROM "%s" WHERE %s`, a.Table, strings.Join(conds, " AND "))
	stmt := sqlcompile.New(pool.Dialect()).Rebind(sqlcompile.RawQuery(query, args...))

	rows, err := pool.DB().QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return fail("%v", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return fail("%v", err)
	}
	var found []map[string]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fail("%v", err)
		}
		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = vals[i]
		}
		found = append(found, row)
	}
	if err := rows.Err(); err != nil {
		return fail("%v", err)
	}
	if len(found) != 1 {
		return fail("expected exactly one row where %v, found %d", a.Where, len(found))
	}

	for _, col := range slices.Sorted(maps.Keys(a.Expect)) {
		got, ok := found[0][col]
		if !ok {
			return fail("column %q not found", col)
		}
		if !valuesEqual(a.Expect[col], got) {
			return &AssertionError{Index: index, Type: a.Type, Expected: a.Expect[col], Actual: got,
				Message: fmt.Sprintf("%s: expected %v, got %v", col, a.Expect[col], got)}
		}
	}
	return nil
}

// valuesEqual compares a value written in YAML against one read from a
// record or a database row. Integers compare by value whatever their Go
// type; booleans match the 0/1 integers SQLite stores.
func valuesEqual(want, got any) bool {
	if b, ok := got.([]byte); ok {
		got = string(b)
	}
	if wb, ok := want.(bool); ok {
		if gb, ok := got.(bool); ok {
			return wb == gb
		}
		if n, ok := toInt64(got); ok {
			return (n != 0) == wb
		}
		return false
	}
	if wn, ok := toInt64(want); ok {
		if gn, ok := toInt64(got); ok {
			return wn == gn
		}
		if gf, ok := got.(float64); ok {
			return float64(wn) == gf
		}
		return false
	}
	if wf, ok := want.(float64); ok {
		if gf, ok := got.(float64); ok {
			return wf == gf
		}
		if gn, ok := toInt64(got); ok {
			return wf == float64(gn)
		}
		return false
	}
	return want == got
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
