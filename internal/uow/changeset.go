package uow

import (
	"slices"
	"sync"
)

type mark int

const (
	markNew mark = iota + 1
	markDirty
	markRemoved
)

// Batch is a drained change set: three disjoint record lists, each in the
// order records were first tracked.
type Batch struct {
	New     []*Record
	Dirty   []*Record
	Removed []*Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.New) + len(b.Dirty) + len(b.Removed)
}

// ChangeSet accumulates the records a flush must write.
type ChangeSet struct {
	mu      sync.Mutex
	new     []*Record
	dirty   []*Record
	removed []*Record
	marks   map[*Record]mark
}

// NewChangeSet creates an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{marks: make(map[*Record]mark)}
}

// TrackNew records r for INSERT.
func (c *ChangeSet) TrackNew(r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.marks[r] {
	case markNew:
		return nil
	case markDirty:
		return newInvalidTransition(r, "record is already tracked as dirty")
	case markRemoved:
		return newInvalidTransition(r, "record is already marked for deletion")
	}
	c.marks[r] = markNew
	c.new = append(c.new, r)
	return nil
}

// TrackDirty records r for UPDATE. Pending records are left alone; their
// INSERT carries every attribute.
func (c *ChangeSet) TrackDirty(r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.marks[r] {
	case markNew, markDirty:
		return nil
	case markRemoved:
		return newInvalidTransition(r, "record is already marked for deletion")
	}
	c.marks[r] = markDirty
	c.dirty = append(c.dirty, r)
	return nil
}

// TrackRemoved records r for DELETE.
func (c *ChangeSet) TrackRemoved(r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.marks[r] {
	case markRemoved:
		return nil
	case markNew:
		return newInvalidTransition(r, "record is pending insert")
	case markDirty:
		return newInvalidTransition(r, "record is tracked as dirty")
	}
	c.marks[r] = markRemoved
	c.removed = append(c.removed, r)
	return nil
}

// Untrack forgets r wherever it is tracked.
func (c *ChangeSet) Untrack(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.marks[r] {
	case markNew:
		c.new = without(c.new, r)
	case markDirty:
		c.dirty = without(c.dirty, r)
	case markRemoved:
		c.removed = without(c.removed, r)
	}
	delete(c.marks, r)
}

func without(list []*Record, r *Record) []*Record {
	return slices.DeleteFunc(list, func(x *Record) bool { return x == r })
}

// Drain returns everything tracked and empties the set in one step.
func (c *ChangeSet) Drain() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := Batch{New: c.new, Dirty: c.dirty, Removed: c.removed}
	c.new, c.dirty, c.removed = nil, nil, nil
	c.marks = make(map[*Record]mark)
	return b
}

// Restore puts a drained batch back ahead of anything tracked since, used
// when a flush fails. Records tracked again in the meantime keep their
// newer mark.
func (c *ChangeSet) Restore(b Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	restore := func(list []*Record, m mark, cur []*Record) []*Record {
		var out []*Record
		for _, r := range list {
			if _, ok := c.marks[r]; ok {
				continue
			}
			c.marks[r] = m
			out = append(out, r)
		}
		return append(out, cur...)
	}
	c.new = restore(b.New, markNew, c.new)
	c.dirty = restore(b.Dirty, markDirty, c.dirty)
	c.removed = restore(b.Removed, markRemoved, c.removed)
}

// Contains reports whether r is tracked.
func (c *ChangeSet) Contains(r *Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.marks[r]
	return ok
}

// Records returns every tracked record without draining: new, then dirty,
// then removed.
func (c *ChangeSet) Records() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Record, 0, len(c.marks))
	out = append(out, c.new...)
	out = append(out, c.dirty...)
	return append(out, c.removed...)
}

// Len returns the number of tracked records.
func (c *ChangeSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.marks)
}
