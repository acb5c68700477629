package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

func TestSequence_Monotonic(t *testing.T) {
	seq := NewSequence(10)
	assert.Equal(t, int64(10), seq.Current())
	assert.Equal(t, int64(11), seq.Next())
	assert.Equal(t, int64(12), seq.Next())
	assert.Equal(t, int64(12), seq.Current())
}

func TestSequence_ConcurrentNext(t *testing.T) {
	seq := NewSequence(0)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq.Next()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), seq.Current())
}

func TestFakeConn_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	c := NewFakeConn(sqlcompile.SQLite)

	require.NoError(t, c.Begin(ctx))
	assert.ErrorIs(t, c.Begin(ctx), sqlconn.ErrTxInProgress)

	res, err := c.Execute(ctx, sqlcompile.Statement{Kind: sqlcompile.KindInsert, SQL: "INSERT x", WantKey: true})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, res.GeneratedKeys)

	res, err = c.Execute(ctx, sqlcompile.Raw("UPDATE x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	require.NoError(t, c.Commit(ctx))
	assert.ErrorIs(t, c.Rollback(ctx), sqlconn.ErrNoTransaction)

	ops := make([]string, 0)
	for _, call := range c.Calls() {
		ops = append(ops, call.Op)
	}
	assert.Equal(t, []string{"begin", "insert", "exec", "commit"}, ops)
	assert.Equal(t, []string{"INSERT x", "UPDATE x"}, c.SQL())

	c.Reset()
	assert.Empty(t, c.Calls())
}

func TestFakeConn_Hooks(t *testing.T) {
	ctx := context.Background()
	c := NewFakeConn(sqlcompile.SQLite)
	boom := errors.New("boom")
	c.Fail = func(stmt sqlcompile.Statement) error {
		if stmt.SQL == "bad" {
			return boom
		}
		return nil
	}
	c.Affected = func(sqlcompile.Statement) int64 { return 0 }
	c.Rows = func(sqlcompile.Statement) []sqlconn.Row {
		return []sqlconn.Row{{"id": int64(1)}}
	}

	_, err := c.Execute(ctx, sqlcompile.Raw("bad"))
	assert.ErrorIs(t, err, boom)

	res, err := c.Execute(ctx, sqlcompile.Raw("DELETE"))
	require.NoError(t, err)
	assert.Zero(t, res.RowsAffected)

	res, err = c.Execute(ctx, sqlcompile.RawQuery("SELECT"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestFakePool_SingleCheckout(t *testing.T) {
	ctx := context.Background()
	p := NewFakePool(NewFakeConn(sqlcompile.SQLite))

	conn, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, 0)
	assert.ErrorIs(t, err, sqlconn.ErrPoolTimeout)

	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, p.Release(conn))
	assert.False(t, conn.InTx())

	acquired, released := p.Counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}
