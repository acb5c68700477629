package harness

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
	"github.com/roach88/uow/internal/uow"
)

// tracer appends every interaction of the connections it hands out to a
// result, attributed to the session currently running.
type tracer struct {
	pool    *sqlconn.Pool
	result  *Result
	session func() string
}

var _ uow.Pool = (*tracer)(nil)

func (t *tracer) Acquire(ctx context.Context, timeout time.Duration) (sqlconn.Conn, error) {
	conn, err := t.pool.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return &tracedConn{Conn: conn, t: t}, nil
}

func (t *tracer) Release(conn sqlconn.Conn) error {
	tc, ok := conn.(*tracedConn)
	if !ok {
		return fmt.Errorf("release: connection %T was not handed out by the harness", conn)
	}
	return t.pool.Release(tc.Conn)
}

func (t *tracer) record(ev TraceEvent, err error) {
	ev.Seq = len(t.result.Trace) + 1
	ev.Session = t.session()
	if err != nil {
		ev.Error = err.Error()
	}
	t.result.Trace = append(t.result.Trace, ev)
}

type tracedConn struct {
	sqlconn.Conn
	t *tracer
}

func (c *tracedConn) Begin(ctx context.Context) error {
	err := c.Conn.Begin(ctx)
	c.t.record(TraceEvent{Op: "begin"}, err)
	return err
}

func (c *tracedConn) Commit(ctx context.Context) error {
	err := c.Conn.Commit(ctx)
	c.t.record(TraceEvent{Op: "commit"}, err)
	return err
}

func (c *tracedConn) Rollback(ctx context.Context) error {
	err := c.Conn.Rollback(ctx)
	c.t.record(TraceEvent{Op: "rollback"}, err)
	return err
}

func (c *tracedConn) Execute(ctx context.Context, stmt sqlcompile.Statement) (sqlconn.Result, error) {
	res, err := c.Conn.Execute(ctx, stmt)
	c.t.record(TraceEvent{
		Op:   stmt.Kind.String(),
		SQL:  stmt.SQL,
		Args: slices.Clone(stmt.Args),
		Rows: res.RowsAffected,
	}, err)
	return res, err
}
