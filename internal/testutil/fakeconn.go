package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

// Call is one operation observed by a FakeConn.
type Call struct {
	// Op is "begin", "commit", "rollback" or the statement kind.
	Op   string
	Stmt sqlcompile.Statement
}

// FakeConn is an in-memory sqlconn.Conn that records every call and answers
// from caller-supplied hooks. Without hooks, every statement affects one
// row, inserts receive keys from Keys, and queries return no rows.
type FakeConn struct {
	mu      sync.Mutex
	dialect sqlcompile.Dialect
	inTx    bool
	calls   []Call

	// Keys supplies generated keys.
	Keys *Sequence

	// Fail, when it returns non-nil, makes the statement fail with that error.
	Fail func(stmt sqlcompile.Statement) error

	// Affected overrides the affected-row count of exec statements.
	Affected func(stmt sqlcompile.Statement) int64

	// Rows answers queries.
	Rows func(stmt sqlcompile.Statement) []sqlconn.Row
}

var _ sqlconn.Conn = (*FakeConn)(nil)

// NewFakeConn creates a fake connection speaking dialect d.
func NewFakeConn(d sqlcompile.Dialect) *FakeConn {
	return &FakeConn{dialect: d, Keys: NewSequence(0)}
}

// Dialect implements sqlconn.Conn.
func (c *FakeConn) Dialect() sqlcompile.Dialect { return c.dialect }

// InTx implements sqlconn.Conn.
func (c *FakeConn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// Begin implements sqlconn.Conn.
func (c *FakeConn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return sqlconn.ErrTxInProgress
	}
	c.inTx = true
	c.calls = append(c.calls, Call{Op: "begin"})
	return nil
}

// Commit implements sqlconn.Conn.
func (c *FakeConn) Commit(ctx context.Context) error {
	return c.end("commit")
}

// Rollback implements sqlconn.Conn.
func (c *FakeConn) Rollback(ctx context.Context) error {
	return c.end("rollback")
}

func (c *FakeConn) end(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return sqlconn.ErrNoTransaction
	}
	c.inTx = false
	c.calls = append(c.calls, Call{Op: op})
	return nil
}

// Execute implements sqlconn.Conn.
func (c *FakeConn) Execute(ctx context.Context, stmt sqlcompile.Statement) (sqlconn.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Op: stmt.Kind.String(), Stmt: stmt})
	if c.Fail != nil {
		if err := c.Fail(stmt); err != nil {
			return sqlconn.Result{}, err
		}
	}

	switch stmt.Kind {
	case sqlcompile.KindQuery:
		var rows []sqlconn.Row
		if c.Rows != nil {
			rows = c.Rows(stmt)
		}
		return sqlconn.Result{RowsAffected: int64(len(rows)), Rows: rows}, nil
	case sqlcompile.KindInsert:
		res := sqlconn.Result{RowsAffected: int64(strings.Count(stmt.SQL, "), (") + 1)}
		if stmt.WantKey || stmt.Returning != "" {
			res.GeneratedKeys = []any{c.Keys.Next()}
		}
		return res, nil
	default:
		n := int64(1)
		if c.Affected != nil {
			n = c.Affected(stmt)
		}
		return sqlconn.Result{RowsAffected: n}, nil
	}
}

// Calls returns every recorded call.
func (c *FakeConn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// SQL returns the SQL of every executed statement in order.
func (c *FakeConn) SQL() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if call.Stmt.SQL != "" {
			out = append(out, call.Stmt.SQL)
		}
	}
	return out
}

// Statements returns every executed statement in order.
func (c *FakeConn) Statements() []sqlcompile.Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sqlcompile.Statement
	for _, call := range c.calls {
		if call.Stmt.SQL != "" {
			out = append(out, call.Stmt)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// FakePool hands out one FakeConn at a time.
type FakePool struct {
	mu       sync.Mutex
	Conn     *FakeConn
	inUse    bool
	acquired int
	released int

	// Exhausted makes Acquire time out.
	Exhausted bool
}

// NewFakePool creates a pool around conn.
func NewFakePool(conn *FakeConn) *FakePool {
	return &FakePool{Conn: conn}
}

// Acquire returns the pool's connection, or sqlconn.ErrPoolTimeout while it
// is checked out or the pool is exhausted.
func (p *FakePool) Acquire(ctx context.Context, timeout time.Duration) (sqlconn.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Exhausted || p.inUse {
		return nil, sqlconn.ErrPoolTimeout
	}
	p.inUse = true
	p.acquired++
	return p.Conn, nil
}

// Release returns the connection, rolling back an open transaction.
func (p *FakePool) Release(conn sqlconn.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn.InTx() {
		if err := conn.Rollback(context.Background()); err != nil {
			return err
		}
	}
	p.inUse = false
	p.released++
	return nil
}

// Counts returns how many times the connection was acquired and released.
func (p *FakePool) Counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}
