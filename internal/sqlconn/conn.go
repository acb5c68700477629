// Package sqlconn provides the database connections a session flushes
// through: a bounded pool over database/sql and the Conn interface the
// unit of work depends on.
//
// Supported drivers are registered by blank import (see drivers.go):
//   - "sqlite3" (github.com/mattn/go-sqlite3, cgo)
//   - "sqlite"  (modernc.org/sqlite, pure Go)
//   - "pgx"     (github.com/jackc/pgx/v5/stdlib)
package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/uow/internal/sqlcompile"
)

// ErrNoTransaction is returned by Commit and Rollback outside a transaction.
var ErrNoTransaction = errors.New("no transaction in progress")

// ErrTxInProgress is returned by Begin inside a transaction.
var ErrTxInProgress = errors.New("transaction already in progress")

// Row is one result row keyed by column name.
type Row map[string]any

// Result is the outcome of executing one statement.
type Result struct {
	// RowsAffected is the driver-reported count for exec and insert
	// statements. Queries report the number of rows read.
	RowsAffected int64

	// GeneratedKeys holds database-assigned keys, one per inserted row,
	// when the statement asked for them.
	GeneratedKeys []any

	Columns []string
	Rows    []Row
}

// Conn is a single connection with explicit transaction control.
// A Conn is not safe for concurrent use.
type Conn interface {
	Dialect() sqlcompile.Dialect
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTx() bool
	Execute(ctx context.Context, stmt sqlcompile.Statement) (Result, error)
}

// TraceFunc observes every statement a pooled connection executes.
type TraceFunc func(stmt sqlcompile.Statement, res Result, err error, elapsed time.Duration)

// SQLConn is a Conn backed by a *sql.Conn checked out of a Pool.
type SQLConn struct {
	conn    *sql.Conn
	tx      *sql.Tx
	dialect sqlcompile.Dialect
	trace   TraceFunc
}

var _ Conn = (*SQLConn)(nil)

// Dialect implements Conn.
func (c *SQLConn) Dialect() sqlcompile.Dialect {
	return c.dialect
}

// InTx implements Conn.
func (c *SQLConn) InTx() bool {
	return c.tx != nil
}

// Begin implements Conn.
func (c *SQLConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return ErrTxInProgress
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

// Commit implements Conn.
func (c *SQLConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback implements Conn.
func (c *SQLConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (c *SQLConn) target() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

// Execute implements Conn. Statements run inside the open transaction when
// there is one.
func (c *SQLConn) Execute(ctx context.Context, stmt sqlcompile.Statement) (Result, error) {
	if c.trace == nil {
		return c.execute(ctx, stmt)
	}
	start := time.Now()
	res, err := c.execute(ctx, stmt)
	c.trace(stmt, res, err, time.Since(start))
	return res, err
}

func (c *SQLConn) execute(ctx context.Context, stmt sqlcompile.Statement) (Result, error) {
	db := c.target()

	switch {
	case stmt.Kind == sqlcompile.KindQuery:
		rows, err := db.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return Result{}, fmt.Errorf("query: %w", err)
		}
		return scanRows(rows)

	case stmt.Kind == sqlcompile.KindInsert && stmt.Returning != "":
		rows, err := db.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return Result{}, fmt.Errorf("insert: %w", err)
		}
		res, err := scanRows(rows)
		if err != nil {
			return Result{}, fmt.Errorf("insert: %w", err)
		}
		for _, row := range res.Rows {
			res.GeneratedKeys = append(res.GeneratedKeys, row[stmt.Returning])
		}
		return res, nil

	default:
		sr, err := db.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", stmt.Kind, err)
		}
		n, err := sr.RowsAffected()
		if err != nil {
			return Result{}, fmt.Errorf("rows affected: %w", err)
		}
		res := Result{RowsAffected: n}
		if stmt.WantKey {
			id, err := sr.LastInsertId()
			if err != nil {
				return Result{}, fmt.Errorf("last insert id: %w", err)
			}
			res.GeneratedKeys = []any{id}
		}
		return res, nil
	}
}

func scanRows(rows *sql.Rows) (Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("columns: %w", err)
	}

	res := Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("rows: %w", err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}
