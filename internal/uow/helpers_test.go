package uow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
	"github.com/roach88/uow/internal/testutil"
)

// testSchema declares:
//
//	user(id generated, name, fullname?)
//	address(id generated, user_id -> user, email_address)
//	node(id generated, parent_id? -> node, label)
//	membership(user_id -> user, group_name) composite key
//	alpha(id, beta_id? -> beta)  beta(id, alpha_id? -> alpha)  caller keys, mutual cycle
func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Entity{
			Name:  "user",
			Table: "user_account",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger, Generated: true},
				{Name: "name", Type: schema.TypeText},
				{Name: "fullname", Type: schema.TypeText, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
		schema.Entity{
			Name: "address",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger, Generated: true},
				{Name: "user_id", Type: schema.TypeInteger},
				{Name: "email_address", Type: schema.TypeText},
			},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []schema.ForeignKey{{Columns: []string{"user_id"}, RefEntity: "user"}},
		},
		schema.Entity{
			Name: "node",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger, Generated: true},
				{Name: "parent_id", Type: schema.TypeInteger, Nullable: true},
				{Name: "label", Type: schema.TypeText},
			},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []schema.ForeignKey{{Name: "parent", Columns: []string{"parent_id"}, RefEntity: "node"}},
		},
		schema.Entity{
			Name: "membership",
			Columns: []schema.Column{
				{Name: "user_id", Type: schema.TypeInteger},
				{Name: "group_name", Type: schema.TypeText},
			},
			PrimaryKey:  []string{"user_id", "group_name"},
			ForeignKeys: []schema.ForeignKey{{Columns: []string{"user_id"}, RefEntity: "user"}},
		},
		schema.Entity{
			Name: "alpha",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "beta_id", Type: schema.TypeInteger, Nullable: true},
			},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []schema.ForeignKey{{Columns: []string{"beta_id"}, RefEntity: "beta"}},
		},
		schema.Entity{
			Name: "beta",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "alpha_id", Type: schema.TypeInteger, Nullable: true},
			},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []schema.ForeignKey{{Columns: []string{"alpha_id"}, RefEntity: "alpha"}},
		},
	)
	require.NoError(t, err)
	return s
}

func mustRecord(t *testing.T, s *schema.Schema, entity string, values map[string]any) *Record {
	t.Helper()
	ent, ok := s.Entity(entity)
	require.True(t, ok, "entity %s", entity)
	r, err := NewRecord(ent, values)
	require.NoError(t, err)
	return r
}

// fakeSession returns a session over a recording fake connection.
func fakeSession(t *testing.T, opts ...Option) (*Session, *testutil.FakeConn, *Factory) {
	t.Helper()
	conn := testutil.NewFakeConn(sqlcompile.SQLite)
	opts = append([]Option{WithIDGenerator(NewFixedGenerator("s1", "s2", "s3", "s4"))}, opts...)
	f := NewFactory(testutil.NewFakePool(conn), testSchema(t), opts...)
	return f.NewSession(), conn, f
}

// sqliteFactory returns a factory over a migrated SQLite database file.
func sqliteFactory(t *testing.T, opts ...Option) (*Factory, *sqlconn.Pool) {
	t.Helper()
	ctx := context.Background()
	pool, err := sqlconn.Open(ctx, sqlconn.Options{
		Driver:  "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "uow.db"),
		MaxOpen: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := testSchema(t)
	require.NoError(t, pool.Migrate(ctx, s))
	return NewFactory(pool, s, opts...), pool
}

func countRows(t *testing.T, pool *sqlconn.Pool, table string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}
