package uow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/uow/internal/schema"
)

func names(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		if l, ok := r.Get("label").(string); ok {
			out[i] = l
		} else {
			out[i] = r.entity.Name
		}
	}
	return out
}

func TestSorter_Cycles(t *testing.T) {
	st := NewSorter(testSchema(t))
	assert.Equal(t, [][]string{{"node"}, {"alpha", "beta"}}, st.Cycles())
	assert.True(t, st.IsCyclic("node"))
	assert.True(t, st.IsCyclic("beta"))
	assert.False(t, st.IsCyclic("user"))
}

func TestSorter_TypeOrder(t *testing.T) {
	st := NewSorter(testSchema(t))
	assert.Equal(t, []string{"user", "address", "node", "membership", "alpha", "beta"}, st.TypeOrder())
}

func TestSorter_TypeOrder_ReferencedFirst(t *testing.T) {
	s, err := schema.New(
		schema.Entity{
			Name:        "child",
			Columns:     []schema.Column{{Name: "id", Type: schema.TypeInteger}, {Name: "p", Type: schema.TypeInteger}},
			PrimaryKey:  []string{"id"},
			ForeignKeys: []schema.ForeignKey{{Columns: []string{"p"}, RefEntity: "parent"}},
		},
		schema.Entity{Name: "parent", Columns: []schema.Column{{Name: "id", Type: schema.TypeInteger}}, PrimaryKey: []string{"id"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "child"}, NewSorter(s).TypeOrder())
}

func TestSorter_InsertParentBeforeChildRegardlessOfAddOrder(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	u := mustRecord(t, s, "user", map[string]any{"name": "sandy"})
	a := mustRecord(t, s, "address", map[string]any{"email_address": "x"})
	require.NoError(t, a.Link("user", u))

	out, err := st.OrderForInsert([]*Record{a, u})
	require.NoError(t, err)
	assert.Equal(t, []*Record{u, a}, out)

	out, err = st.OrderForDelete([]*Record{u, a})
	require.NoError(t, err)
	assert.Equal(t, []*Record{a, u}, out)
}

func TestSorter_IndependentTypesKeepTrackingOrder(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	n := mustRecord(t, s, "node", map[string]any{"label": "n"})
	u1 := mustRecord(t, s, "user", map[string]any{"name": "squidward"})
	u2 := mustRecord(t, s, "user", map[string]any{"name": "ehkrabs"})

	out, err := st.OrderForInsert([]*Record{n, u1, u2})
	require.NoError(t, err)
	assert.Equal(t, []*Record{n, u1, u2}, out)

	assert.Equal(t, []*Record{n, u1, u2}, st.OrderForUpdate([]*Record{n, u1, u2}))
}

func TestSorter_UpdateOrderFollowsTypeDependency(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	a := mustRecord(t, s, "address", nil)
	u := mustRecord(t, s, "user", nil)
	assert.Equal(t, []*Record{u, a}, st.OrderForUpdate([]*Record{a, u}))
}

func TestSorter_SelfReferenceByLink(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	root := mustRecord(t, s, "node", map[string]any{"label": "root"})
	mid := mustRecord(t, s, "node", map[string]any{"label": "mid"})
	leaf := mustRecord(t, s, "node", map[string]any{"label": "leaf"})
	require.NoError(t, leaf.Link("parent", mid))
	require.NoError(t, mid.Link("parent", root))

	out, err := st.OrderForInsert([]*Record{leaf, mid, root})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "mid", "leaf"}, names(out))
}

// stored marks r as loaded from the database with its current values.
func stored(t *testing.T, r *Record) *Record {
	t.Helper()
	id, ok := r.currentIdentity()
	require.True(t, ok)
	r.markSynced()
	r.state = Persistent
	r.identity, r.hasIdentity = id, true
	return r
}

func TestSorter_DeleteFollowsStoredForeignKeys(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	root := stored(t, mustRecord(t, s, "node", map[string]any{"id": 1, "label": "root"}))
	mid := stored(t, mustRecord(t, s, "node", map[string]any{"id": 2, "parent_id": 1, "label": "mid"}))
	leaf := stored(t, mustRecord(t, s, "node", map[string]any{"id": 3, "parent_id": 2, "label": "leaf"}))

	out, err := st.OrderForDelete([]*Record{root, mid, leaf})
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "root"}, names(out))

	// unflushed edits and links do not change what the rows reference
	require.NoError(t, mid.Set("parent_id", nil))
	require.NoError(t, root.Link("parent", leaf))

	out, err = st.OrderForDelete([]*Record{root, mid, leaf})
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "root"}, names(out))
}

func TestSorter_SelfReferenceByValue(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	child := mustRecord(t, s, "node", map[string]any{"id": 2, "parent_id": 1, "label": "child"})
	parent := mustRecord(t, s, "node", map[string]any{"id": 1, "label": "parent"})
	selfish := mustRecord(t, s, "node", map[string]any{"id": 3, "parent_id": 3, "label": "self"})

	out, err := st.OrderForInsert([]*Record{child, selfish, parent})
	require.NoError(t, err)
	assert.Equal(t, []string{"self", "parent", "child"}, names(out), "a row referencing itself is not a dependency")
}

func TestSorter_RowLevelCycle(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	a := mustRecord(t, s, "node", map[string]any{"id": 1, "parent_id": 2, "label": "a"})
	b := mustRecord(t, s, "node", map[string]any{"id": 2, "parent_id": 1, "label": "b"})

	_, err := st.OrderForInsert([]*Record{a, b})
	require.Error(t, err)
	assert.True(t, IsDependencyCycle(err))
	assert.ErrorContains(t, err, "node[1], node[2]")
}

func TestSorter_MultiTypeCycleResolvedByRows(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	b := mustRecord(t, s, "beta", map[string]any{"id": 10})
	a := mustRecord(t, s, "alpha", map[string]any{"id": 1, "beta_id": 10})
	b2 := mustRecord(t, s, "beta", map[string]any{"id": 11, "alpha_id": 1})

	out, err := st.OrderForInsert([]*Record{b2, a, b})
	require.NoError(t, err)
	assert.Equal(t, []*Record{b, a, b2}, out)
}

func TestSorter_MultiTypeRowCycle(t *testing.T) {
	s := testSchema(t)
	st := NewSorter(s)
	a := mustRecord(t, s, "alpha", map[string]any{"id": 1, "beta_id": 10})
	b := mustRecord(t, s, "beta", map[string]any{"id": 10, "alpha_id": 1})

	_, err := st.OrderForInsert([]*Record{a, b})
	assert.True(t, IsDependencyCycle(err))
}
