package uow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityMap_PutGetRemove(t *testing.T) {
	s := testSchema(t)
	m := NewIdentityMap()
	r := mustRecord(t, s, "user", map[string]any{"id": int64(4), "name": "x"})
	r.handle = 1

	require.NoError(t, m.Put(r))
	require.NoError(t, m.Put(r), "re-registering the same record is a no-op")

	id, ok := r.Identity()
	require.True(t, ok)
	h, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, Handle(1), h)
	assert.Equal(t, 1, m.Len())

	m.Remove(id)
	_, ok = m.Get(id)
	assert.False(t, ok)
}

func TestIdentityMap_Conflict(t *testing.T) {
	s := testSchema(t)
	m := NewIdentityMap()
	a := mustRecord(t, s, "user", map[string]any{"id": 4})
	a.handle = 1
	b := mustRecord(t, s, "user", map[string]any{"id": int64(4)})
	b.handle = 2

	require.NoError(t, m.Put(a))
	err := m.Put(b)
	assert.True(t, IsIdentityConflict(err))
	assert.ErrorContains(t, err, "user[4]")
}

func TestIdentityMap_RequiresKey(t *testing.T) {
	m := NewIdentityMap()
	r := mustRecord(t, testSchema(t), "user", nil)
	assert.True(t, IsInvalidStateTransition(m.Put(r)))
}

func TestIdentityMap_Clear(t *testing.T) {
	s := testSchema(t)
	m := NewIdentityMap()
	for i := 1; i <= 3; i++ {
		r := mustRecord(t, s, "user", map[string]any{"id": i})
		r.handle = Handle(i)
		require.NoError(t, m.Put(r))
	}
	assert.ElementsMatch(t, []Handle{1, 2, 3}, m.Clear())
	assert.Zero(t, m.Len())
}

func TestChangeSet_TrackAndDrain(t *testing.T) {
	s := testSchema(t)
	cs := NewChangeSet()
	a := mustRecord(t, s, "user", nil)
	b := mustRecord(t, s, "user", nil)
	c := mustRecord(t, s, "user", nil)

	require.NoError(t, cs.TrackNew(a))
	require.NoError(t, cs.TrackDirty(b))
	require.NoError(t, cs.TrackRemoved(c))
	assert.Equal(t, 3, cs.Len())
	assert.Equal(t, []*Record{a, b, c}, cs.Records())

	batch := cs.Drain()
	assert.Equal(t, []*Record{a}, batch.New)
	assert.Equal(t, []*Record{b}, batch.Dirty)
	assert.Equal(t, []*Record{c}, batch.Removed)
	assert.Equal(t, 3, batch.Len())

	assert.Zero(t, cs.Len())
	assert.Zero(t, cs.Drain().Len(), "second drain is empty")
}

func TestChangeSet_IdempotentMarks(t *testing.T) {
	s := testSchema(t)
	cs := NewChangeSet()
	a := mustRecord(t, s, "user", nil)

	require.NoError(t, cs.TrackNew(a))
	require.NoError(t, cs.TrackNew(a))
	require.NoError(t, cs.TrackDirty(a), "dirty on a pending record is absorbed")
	assert.Equal(t, 1, cs.Len())
	assert.Len(t, cs.Drain().New, 1)
}

func TestChangeSet_ConflictingMarks(t *testing.T) {
	s := testSchema(t)
	cs := NewChangeSet()
	n := mustRecord(t, s, "user", nil)
	d := mustRecord(t, s, "user", nil)
	x := mustRecord(t, s, "user", nil)

	require.NoError(t, cs.TrackNew(n))
	assert.True(t, IsInvalidStateTransition(cs.TrackRemoved(n)))

	require.NoError(t, cs.TrackDirty(d))
	assert.True(t, IsInvalidStateTransition(cs.TrackRemoved(d)))
	assert.True(t, IsInvalidStateTransition(cs.TrackNew(d)))

	require.NoError(t, cs.TrackRemoved(x))
	require.NoError(t, cs.TrackRemoved(x))
	assert.True(t, IsInvalidStateTransition(cs.TrackDirty(x)))
	assert.True(t, IsInvalidStateTransition(cs.TrackNew(x)))
}

func TestChangeSet_Untrack(t *testing.T) {
	s := testSchema(t)
	cs := NewChangeSet()
	a := mustRecord(t, s, "user", nil)
	b := mustRecord(t, s, "user", nil)
	require.NoError(t, cs.TrackDirty(a))
	require.NoError(t, cs.TrackDirty(b))

	cs.Untrack(a)
	assert.False(t, cs.Contains(a))
	assert.True(t, cs.Contains(b))
	require.NoError(t, cs.TrackRemoved(a))
}

func TestChangeSet_RestorePutsBatchFirst(t *testing.T) {
	s := testSchema(t)
	cs := NewChangeSet()
	a := mustRecord(t, s, "user", nil)
	b := mustRecord(t, s, "user", nil)
	c := mustRecord(t, s, "user", nil)

	require.NoError(t, cs.TrackNew(a))
	require.NoError(t, cs.TrackNew(b))
	batch := cs.Drain()

	require.NoError(t, cs.TrackNew(c))
	require.NoError(t, cs.TrackNew(b))
	cs.Restore(batch)

	assert.Equal(t, []*Record{a, c, b}, cs.Drain().New, "restored records lead, re-tracked ones keep their place")
}
