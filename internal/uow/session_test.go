package uow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
	"github.com/roach88/uow/internal/testutil"
)

func userRow(id int64, name string) []sqlconn.Row {
	return []sqlconn.Row{{"id": id, "name": name, "fullname": nil}}
}

func TestSession_GetReturnsOneRecordPerIdentity(t *testing.T) {
	ctx := context.Background()
	sess, conn, _ := fakeSession(t)
	conn.Rows = func(sqlcompile.Statement) []sqlconn.Row { return userRow(4, "spongebob") }

	r1, found, err := sess.Get(ctx, "user", 4)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Persistent, r1.State())
	assert.Equal(t, "spongebob", r1.Get("name"))

	r2, found, err := sess.Get(ctx, "user", int64(4))
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, r1, r2)

	stmts := conn.Statements()
	require.Len(t, stmts, 1, "second get is served from the identity map")
	assert.Equal(t, `SELECT "id", "name", "fullname" FROM "user_account" WHERE "id" = ?`, stmts[0].SQL)

	all, err := sess.Query(ctx, "user", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Same(t, r1, all[0])
	assert.Equal(t, `SELECT "id", "name", "fullname" FROM "user_account" ORDER BY "id"`, conn.SQL()[1])
}

func TestSession_GetMissingAndInvalidKeys(t *testing.T) {
	ctx := context.Background()
	sess, _, _ := fakeSession(t)

	r, found, err := sess.Get(ctx, "user", 9)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, r)

	_, _, err = sess.Get(ctx, "membership", 1)
	assert.ErrorContains(t, err, "key has 1 values, primary key has 2 columns")

	_, _, err = sess.Get(ctx, "galley", 1)
	assert.ErrorContains(t, err, `unknown entity "galley"`)

	_, _, err = sess.Get(ctx, "user", 1.5)
	assert.ErrorContains(t, err, "floating-point")
}

func TestSession_AutoflushBeforeGet(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	u, err := f.NewRecord("user", map[string]any{"name": "gary"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))

	got, found, err := sess.Get(ctx, "user", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, u, got, "the flushed pending record answers the lookup")
	assert.Equal(t, []string{"begin", "insert"}, ops(conn))
}

func TestSession_AutoflushDisabled(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t, WithAutoflush(false))
	u, err := f.NewRecord("user", map[string]any{"name": "gary"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))

	_, found, err := sess.Get(ctx, "user", 1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"begin", "query"}, ops(conn))
	assert.Equal(t, Pending, u.State())
	assert.True(t, sess.IsModified())
}

func TestSession_GetMarkedRecordIsNotFound(t *testing.T) {
	sess, conn, f := fakeSession(t)
	u := persistedUser(t, sess, f, "plankton")
	require.NoError(t, sess.Delete(u))
	conn.Reset()

	r, found, err := sess.Get(context.Background(), "user", 1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, r)
	assert.Empty(t, conn.Calls())
}

func TestSQLite_QueryAgreesWithGetOnMarkedRecords(t *testing.T) {
	ctx := context.Background()
	f, _ := sqliteFactory(t, WithAutoflush(false))
	sess := f.NewSession()
	defer sess.Close(ctx)

	keep := persistedUser(t, sess, f, "karen")
	doomed := persistedUser(t, sess, f, "plankton")
	require.NoError(t, sess.Delete(doomed))

	got, err := sess.Query(ctx, "user", "")
	require.NoError(t, err)
	assert.Equal(t, []*Record{keep}, got)

	key, _ := doomed.Key()
	_, found, err := sess.Get(ctx, "user", key...)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSession_StateTransitions(t *testing.T) {
	ctx := context.Background()
	sess, _, f := fakeSession(t)

	p, err := f.NewRecord("user", map[string]any{"name": "pending"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(p))
	require.NoError(t, sess.Add(p), "adding twice is a no-op")
	assert.Len(t, sess.Records(), 1)
	assert.True(t, IsInvalidStateTransition(sess.Delete(p)))

	u := persistedUser(t, sess, f, "doomed")
	require.NoError(t, sess.Delete(u))
	require.NoError(t, sess.Delete(u), "deleting twice is a no-op")
	assert.True(t, IsInvalidStateTransition(sess.Add(u)))
	assert.True(t, IsInvalidStateTransition(u.Set("name", "x")))

	_, err = sess.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Deleted, u.State())
	assert.True(t, IsInvalidStateTransition(sess.Add(u)))
	assert.True(t, IsInvalidStateTransition(sess.Delete(u)))
}

func TestSession_ForeignRecord(t *testing.T) {
	ctx := context.Background()
	sess, _, f := fakeSession(t)
	other := f.NewSession()

	r, err := f.NewRecord("user", map[string]any{"name": "shared"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(r))

	err = other.Add(r)
	require.Error(t, err)
	assert.True(t, IsForeignRecord(err))
	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "s1", ue.Details["owner"])
	assert.True(t, IsForeignRecord(other.Delete(r)))
	assert.False(t, other.Contains(r))

	require.NoError(t, sess.Close(ctx))
	assert.Equal(t, Transient, r.State())
	require.NoError(t, other.Add(r), "records of a closed session are free")
	assert.True(t, other.Contains(r))
}

func TestSession_PoolTimeout(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewFakePool(testutil.NewFakeConn(sqlcompile.SQLite))
	f := NewFactory(pool, testSchema(t), WithIDGenerator(NewFixedGenerator("a", "b")), WithAcquireTimeout(10*time.Millisecond))
	first := f.NewSession()
	second := f.NewSession()

	require.NoError(t, first.Begin(ctx))
	assert.Equal(t, SessionInTransaction, first.State())

	_, _, err := second.Get(ctx, "user", 1)
	require.Error(t, err)
	assert.True(t, IsPoolTimeout(err))
	assert.ErrorIs(t, err, sqlconn.ErrPoolTimeout)

	require.NoError(t, first.Close(ctx))
	_, found, err := second.Get(ctx, "user", 1)
	require.NoError(t, err, "a timed-out session stays usable")
	assert.False(t, found)

	acquired, released := pool.Counts()
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 1, released)
}

func TestSession_ClosedRejectsEverything(t *testing.T) {
	ctx := context.Background()
	sess, _, f := fakeSession(t)
	require.NoError(t, sess.Close(ctx))
	assert.Equal(t, SessionClosed, sess.State())

	r, err := f.NewRecord("user", nil)
	require.NoError(t, err)

	assert.True(t, IsSessionClosed(sess.Add(r)))
	assert.True(t, IsSessionClosed(sess.Delete(r)))
	assert.True(t, IsSessionClosed(sess.Expunge(r)))
	assert.True(t, IsSessionClosed(sess.Begin(ctx)))
	assert.True(t, IsSessionClosed(sess.Commit(ctx)))
	assert.True(t, IsSessionClosed(sess.Rollback(ctx)))
	assert.True(t, IsSessionClosed(sess.Refresh(ctx, r)))
	_, err = sess.Flush(ctx)
	assert.True(t, IsSessionClosed(err))
	_, _, err = sess.Get(ctx, "user", 1)
	assert.True(t, IsSessionClosed(err))
	_, err = sess.Query(ctx, "user", "")
	assert.True(t, IsSessionClosed(err))
	_, err = sess.Execute(ctx, sqlcompile.Raw("SELECT 1"))
	assert.True(t, IsSessionClosed(err))

	assert.NoError(t, sess.Close(ctx), "closing twice is a no-op")
}

func TestSession_CloseRollsBackAndReleases(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	pool := f.pool.(*testutil.FakePool)

	kept := persistedUser(t, sess, f, "kept")
	fresh, err := f.NewRecord("user", map[string]any{"name": "fresh"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(fresh))
	_, err = sess.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Close(ctx))
	calls := ops(conn)
	assert.Equal(t, "rollback", calls[len(calls)-1])
	assert.Equal(t, Transient, fresh.State(), "inserted in the rolled-back transaction")
	assert.Nil(t, fresh.Get("id"))
	assert.Equal(t, Detached, kept.State())
	assert.Empty(t, sess.Records())
	assert.Zero(t, sess.IdentityMap().Len())

	acquired, released := pool.Counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestSession_RollbackRestoresTransactionStart(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	u := persistedUser(t, sess, f, "mr krabs")

	n, err := f.NewRecord("user", map[string]any{"name": "new hire"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(n))
	require.NoError(t, u.Set("name", "eugene"))
	_, err = sess.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n.Get("id"))
	require.NoError(t, u.Set("fullname", "unflushed"))

	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, SessionActive, sess.State())
	assert.Equal(t, Transient, n.State())
	assert.Nil(t, n.Get("id"))
	_, ok := sess.Lookup("user", 2)
	assert.False(t, ok)

	assert.Equal(t, Persistent, u.State())
	assert.Equal(t, "mr krabs", u.Get("name"))
	assert.Nil(t, u.Get("fullname"))
	assert.True(t, u.Expired())
	held, ok := sess.Lookup("user", 1)
	require.True(t, ok)
	assert.Same(t, u, held)

	conn.Rows = func(sqlcompile.Statement) []sqlconn.Row { return userRow(1, "from db") }
	got, found, err := sess.Get(ctx, "user", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, u, got)
	assert.Equal(t, "from db", u.Get("name"), "expired record reloads on access")
	assert.False(t, u.Expired())
}

func TestSession_ExpiredRowGoneIsDropped(t *testing.T) {
	ctx := context.Background()
	sess, _, f := fakeSession(t)
	u := persistedUser(t, sess, f, "ghost")
	require.NoError(t, sess.Rollback(ctx))
	require.True(t, u.Expired())

	_, found, err := sess.Get(ctx, "user", 1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Deleted, u.State())
	assert.False(t, sess.Contains(u))
}

func TestSession_FailedFlushNeedsRollback(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	boom := errors.New("constraint failed")
	conn.Fail = func(stmt sqlcompile.Statement) error {
		if stmt.Kind == sqlcompile.KindInsert {
			return boom
		}
		return nil
	}

	r, err := f.NewRecord("user", map[string]any{"name": "bad"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(r))
	err = sess.Commit(ctx)
	require.ErrorIs(t, err, boom)

	other, err := f.NewRecord("user", nil)
	require.NoError(t, err)
	assert.True(t, IsPendingRollback(sess.Add(other)))
	_, _, err = sess.Get(ctx, "user", 1)
	assert.True(t, IsPendingRollback(err))
	assert.ErrorIs(t, err, boom, "pending-rollback wraps the flush failure")
	_, err = sess.Query(ctx, "user", "")
	assert.True(t, IsPendingRollback(err))
	assert.True(t, IsPendingRollback(sess.Commit(ctx)))

	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, Transient, r.State())
	conn.Fail = nil
	require.NoError(t, sess.Add(r))
	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, Persistent, r.State())
}

func TestSession_Refresh(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	u := persistedUser(t, sess, f, "squidward")
	require.NoError(t, u.Set("name", "squiddy"))

	conn.Rows = func(sqlcompile.Statement) []sqlconn.Row { return userRow(1, "squidward tentacles") }
	require.NoError(t, sess.Refresh(ctx, u))
	assert.Equal(t, "squidward tentacles", u.Get("name"))
	assert.False(t, u.IsDirty())
	assert.False(t, sess.IsModified())

	conn.Rows = nil
	err := sess.Refresh(ctx, u)
	assert.True(t, IsStaleRow(err))
	assert.Equal(t, Deleted, u.State())

	p, err := f.NewRecord("user", nil)
	require.NoError(t, err)
	require.NoError(t, sess.Add(p))
	assert.True(t, IsInvalidStateTransition(sess.Refresh(ctx, p)))
}

func TestSession_Expunge(t *testing.T) {
	sess, _, f := fakeSession(t)
	p, err := f.NewRecord("user", map[string]any{"name": "pending"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(p))
	require.NoError(t, sess.Expunge(p))
	assert.Equal(t, Transient, p.State())
	assert.False(t, sess.IsModified())

	u := persistedUser(t, sess, f, "persistent")
	require.NoError(t, u.Set("name", "edited"))
	require.NoError(t, sess.Expunge(u))
	assert.Equal(t, Detached, u.State())
	assert.False(t, sess.IsModified())
	_, ok := sess.Lookup("user", 1)
	assert.False(t, ok)

	require.NoError(t, sess.Add(u))
	assert.Equal(t, Persistent, u.State())
	assert.True(t, sess.IsModified(), "re-attached record carries its edit")

	assert.True(t, IsInvalidStateTransition(sess.Expunge(p)))
}

func TestSession_ExpireOnCommit(t *testing.T) {
	sess, _, f := fakeSession(t, WithExpireOnCommit(true))
	u := persistedUser(t, sess, f, "pearl")
	assert.True(t, u.Expired())

	sess2, _, f2 := fakeSession(t)
	u2 := persistedUser(t, sess2, f2, "pearl")
	assert.False(t, u2.Expired())
}

func TestSession_ExplicitBegin(t *testing.T) {
	ctx := context.Background()
	sess, conn, _ := fakeSession(t)

	require.NoError(t, sess.Begin(ctx))
	assert.Equal(t, SessionInTransaction, sess.State())
	assert.True(t, IsInvalidStateTransition(sess.Begin(ctx)))

	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, SessionActive, sess.State())
	assert.Equal(t, []string{"begin", "commit"}, ops(conn))
}

func TestSession_ExecuteAutoflushesWrites(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	u, err := f.NewRecord("user", map[string]any{"name": "mermaidman"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))

	_, err = sess.Execute(ctx, sqlcompile.Raw(`UPDATE "user_account" SET "fullname" = ?`, "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "insert", "exec"}, ops(conn))
	assert.False(t, sess.IsModified())

	require.NoError(t, u.Set("name", "barnacleboy"))
	_, err = sess.Execute(ctx, sqlcompile.RawQuery(`SELECT COUNT(*) FROM "user_account"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"begin", "insert", "exec", "exec", "query"}, ops(conn))
	assert.False(t, sess.IsModified())
}

func TestSQLite_RawUpdateSeesPendingRecords(t *testing.T) {
	ctx := context.Background()
	f, pool := sqliteFactory(t)
	sess := f.NewSession()
	defer sess.Close(ctx)

	u, err := f.NewRecord("user", map[string]any{"name": "patrick"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))

	res, err := sess.Execute(ctx, sqlcompile.Raw(`UPDATE "user_account" SET "fullname" = ? WHERE "name" = ?`, "Patrick Star", "patrick"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	require.NoError(t, sess.Commit(ctx))

	var n int
	require.NoError(t, pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "user_account" WHERE "fullname" = ?`, "Patrick Star").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSession_ExecuteRebindsPlaceholders(t *testing.T) {
	conn := testutil.NewFakeConn(sqlcompile.Postgres)
	f := NewFactory(testutil.NewFakePool(conn), testSchema(t), WithIDGenerator(NewFixedGenerator("pg")))
	sess := f.NewSession()

	_, err := sess.Execute(context.Background(), sqlcompile.RawQuery(`SELECT * FROM t WHERE a = ? AND b = '?'`, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{`SELECT * FROM t WHERE a = $1 AND b = '?'`}, conn.SQL())
}

func TestSession_DetachedReattach(t *testing.T) {
	ctx := context.Background()
	sess, conn, f := fakeSession(t)
	u := persistedUser(t, sess, f, "barnacle boy")
	require.NoError(t, sess.Close(ctx))
	require.Equal(t, Detached, u.State())

	conflict := f.NewSession()
	conn.Rows = func(sqlcompile.Statement) []sqlconn.Row { return userRow(1, "barnacle boy") }
	_, found, err := conflict.Get(ctx, "user", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, IsIdentityConflict(conflict.Add(u)))
	require.NoError(t, conflict.Close(ctx))

	deleter := f.NewSession()
	conn.Reset()
	require.NoError(t, deleter.Delete(u))
	assert.True(t, deleter.Contains(u))
	require.NoError(t, deleter.Commit(ctx))
	assert.Equal(t, Deleted, u.State())
	assert.Equal(t, []string{`DELETE FROM "user_account" WHERE "id" = ?`}, conn.SQL())
}

// tracedFactory returns a SQLite-backed factory and the SQL of every
// statement its sessions execute.
func tracedFactory(t *testing.T) (*Factory, *sqlconn.Pool, *[]string) {
	t.Helper()
	ctx := context.Background()
	var traced []string
	pool, err := sqlconn.Open(ctx, sqlconn.Options{
		Driver:  "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "traced.db"),
		MaxOpen: 2,
		Trace: func(stmt sqlcompile.Statement, _ sqlconn.Result, _ error, _ time.Duration) {
			traced = append(traced, stmt.SQL)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := testSchema(t)
	require.NoError(t, pool.Migrate(ctx, s))
	return NewFactory(pool, s), pool, &traced
}

func TestSQLite_DetachedEditRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, pool, traced := tracedFactory(t)

	first := f.NewSession()
	u, err := f.NewRecord("user", map[string]any{"name": "spongebob", "fullname": "Spongebob Squarepants"})
	require.NoError(t, err)
	a, err := f.NewRecord("address", map[string]any{"email_address": "spongebob@pineapple"})
	require.NoError(t, err)
	require.NoError(t, a.Link("user", u))
	require.NoError(t, first.Add(a))
	require.NoError(t, first.Add(u))
	require.NoError(t, first.Commit(ctx))
	require.NoError(t, first.Close(ctx))

	assert.Equal(t, 1, countRows(t, pool, "user_account"))
	assert.Equal(t, 1, countRows(t, pool, "address"))
	assert.Equal(t, int64(1), u.Get("id"))
	assert.Equal(t, int64(1), a.Get("user_id"))
	assert.Equal(t, Detached, u.State())

	require.NoError(t, u.Set("fullname", "Spongebob"))
	*traced = nil

	second := f.NewSession()
	require.NoError(t, second.Add(u))
	require.NoError(t, second.Commit(ctx))
	require.NoError(t, second.Close(ctx))
	assert.Equal(t, []string{`UPDATE "user_account" SET "fullname" = ? WHERE "id" = ?`}, *traced)

	third := f.NewSession()
	defer third.Close(ctx)
	got, found, err := third.Get(ctx, "user", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotSame(t, u, got)
	assert.Equal(t, "Spongebob", got.Get("fullname"))
	assert.Equal(t, "spongebob", got.Get("name"))
}

func TestSQLite_OutOfBandDeleteIsStale(t *testing.T) {
	ctx := context.Background()
	f, pool := sqliteFactory(t)
	sess := f.NewSession()
	defer sess.Close(ctx)

	u, err := f.NewRecord("user", map[string]any{"name": "dutchman"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))
	require.NoError(t, sess.Commit(ctx))

	_, err = pool.DB().ExecContext(ctx, `DELETE FROM "user_account"`)
	require.NoError(t, err)

	require.NoError(t, u.Set("name", "flying dutchman"))
	err = sess.Commit(ctx)
	require.Error(t, err)
	assert.True(t, IsStaleRow(err))
	require.NoError(t, sess.Rollback(ctx))
}

func TestSQLite_ForeignKeyViolationRollsBack(t *testing.T) {
	ctx := context.Background()
	f, pool := sqliteFactory(t)
	sess := f.NewSession()
	defer sess.Close(ctx)

	orphan, err := f.NewRecord("address", map[string]any{"user_id": 999, "email_address": "nobody@nowhere"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(orphan))
	err = sess.Commit(ctx)
	require.Error(t, err)
	assert.True(t, IsStatementExecution(err))

	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, Transient, orphan.State())
	assert.Equal(t, 0, countRows(t, pool, "address"))
}

func TestSQLite_DeleteAndQuery(t *testing.T) {
	ctx := context.Background()
	f, pool := sqliteFactory(t)
	sess := f.NewSession()
	defer sess.Close(ctx)

	u, err := f.NewRecord("user", map[string]any{"name": "sheldon"})
	require.NoError(t, err)
	require.NoError(t, sess.Add(u))
	for _, g := range []string{"plans", "chum"} {
		m, err := f.NewRecord("membership", map[string]any{"group_name": g})
		require.NoError(t, err)
		require.NoError(t, m.Link("user", u))
		require.NoError(t, sess.Add(m))
	}
	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, 2, countRows(t, pool, "membership"))

	ms, err := sess.Query(ctx, "membership", `"user_id" = ?`, u.Get("id"))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "chum", ms[0].Get("group_name"))
	assert.Equal(t, "plans", ms[1].Get("group_name"))

	for _, m := range ms {
		require.NoError(t, sess.Delete(m))
	}
	require.NoError(t, sess.Delete(u))
	require.NoError(t, sess.Commit(ctx))
	assert.Equal(t, 0, countRows(t, pool, "membership"))
	assert.Equal(t, 0, countRows(t, pool, "user_account"))

	_, found, err := sess.Get(ctx, "user", 1)
	require.NoError(t, err)
	assert.False(t, found)
}
