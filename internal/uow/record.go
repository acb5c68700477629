package uow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/uow/internal/schema"
)

// State is a record's lifecycle state.
//
//	Transient --Add--> Pending --flush--> Persistent
//	Persistent --Delete--> Persistent (marked) --flush--> Deleted
//	Persistent --Close/Expunge--> Detached --Add/Delete--> Persistent
type State int

const (
	// Transient records are not attached to any session.
	Transient State = iota
	// Pending records were added and await their INSERT.
	Pending
	// Persistent records have a row in the database and an identity.
	Persistent
	// Deleted records had their row deleted by a flush.
	Deleted
	// Detached records have a row but no owning session.
	Detached
)

func (s State) String() string {
	switch s {
	case Transient:
		return "transient"
	case Pending:
		return "pending"
	case Persistent:
		return "persistent"
	case Deleted:
		return "deleted"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle indexes a record in its session's arena. The identity map stores
// handles, never records.
type Handle uint64

// Record is the in-memory representation of one mapped row.
//
// A Record is owned by at most one session at a time. Like the session that
// owns it, it is not safe for concurrent use.
type Record struct {
	entity *schema.Entity

	values map[string]any
	// loaded holds the values last synchronized with the database; updates
	// compare against it and key their WHERE clause on its primary key.
	loaded map[string]any
	// dirty lists attributes changed since the last sync, in change order.
	dirty []string
	refs  map[string]*Record

	state   State
	marked  bool
	expired bool

	// generated is set when the primary key was assigned by the database.
	generated bool

	identity    Identity
	hasIdentity bool

	session *Session
	handle  Handle
}

// NewRecord creates a transient record of the given entity.
func NewRecord(ent *schema.Entity, values map[string]any) (*Record, error) {
	r := &Record{
		entity: ent,
		values: make(map[string]any, len(ent.Columns)),
		refs:   make(map[string]*Record),
	}
	for k, v := range values {
		if !ent.HasColumn(k) {
			return nil, fmt.Errorf("new %s: unknown attribute %q", ent.Name, k)
		}
		r.values[k] = v
	}
	return r, nil
}

// Entity returns the record's entity type.
func (r *Record) Entity() *schema.Entity { return r.entity }

// State returns the lifecycle state.
func (r *Record) State() State { return r.state }

// MarkedForDeletion reports whether a DELETE is pending for this record.
func (r *Record) MarkedForDeletion() bool { return r.marked }

// Expired reports whether the values must be reloaded before they are trusted.
func (r *Record) Expired() bool { return r.expired }

// IsDirty reports whether any attribute changed since the last sync.
func (r *Record) IsDirty() bool { return len(r.dirty) > 0 }

// DirtyAttrs returns the changed attributes in change order.
func (r *Record) DirtyAttrs() []string { return slices.Clone(r.dirty) }

// Get returns an attribute value (nil when unset).
func (r *Record) Get(attr string) any { return r.values[attr] }

// Values returns a copy of the current attribute values.
func (r *Record) Values() map[string]any { return maps.Clone(r.values) }

// Set assigns an attribute. On a persistent record a changed value is
// tracked for the next flush. Setting a foreign-key column drops the link
// established through that key.
func (r *Record) Set(attr string, v any) error {
	if !r.entity.HasColumn(attr) {
		return fmt.Errorf("set %s: unknown attribute %q", r.entity.Name, attr)
	}
	if r.state == Deleted {
		return newInvalidTransition(r, "cannot modify a deleted record")
	}
	if r.marked {
		return newInvalidTransition(r, "cannot modify a record marked for deletion")
	}
	for _, fk := range r.entity.ForeignKeys {
		if slices.Contains(fk.Columns, attr) {
			delete(r.refs, fk.Name)
		}
	}
	r.set(attr, v)
	return nil
}

func (r *Record) set(attr string, v any) {
	old, had := r.values[attr]
	if had && sameValue(old, v) {
		return
	}
	r.values[attr] = v
	r.touch(attr)
}

// touch marks attr dirty and tells the owning session.
func (r *Record) touch(attr string) {
	if !slices.Contains(r.dirty, attr) {
		r.dirty = append(r.dirty, attr)
	}
	if r.state == Persistent && r.session != nil {
		r.session.noteDirty(r)
	}
}

// Link points the foreign key fk at parent. The parent's key is copied into
// the key columns now when known and again before every flush, so a parent
// whose key the database generates can be linked before it is inserted.
// A nil parent removes the link and leaves the column values untouched.
func (r *Record) Link(fk string, parent *Record) error {
	key, ok := r.entity.ForeignKey(fk)
	if !ok {
		return fmt.Errorf("link %s: unknown foreign key %q", r.entity.Name, fk)
	}
	if r.state == Deleted || r.marked {
		return newInvalidTransition(r, "cannot link a deleted record")
	}
	if parent == nil {
		delete(r.refs, fk)
		return nil
	}
	if parent.entity.Name != key.RefEntity {
		return fmt.Errorf("link %s.%s: expected %s, got %s", r.entity.Name, fk, key.RefEntity, parent.entity.Name)
	}
	r.refs[fk] = parent
	if !r.syncRef(key, parent) {
		for _, col := range key.Columns {
			r.touch(col)
		}
	}
	return nil
}

// Ref returns the record linked through fk, or nil.
func (r *Record) Ref(fk string) *Record { return r.refs[fk] }

// syncRefs copies linked parents' keys into the foreign-key columns.
func (r *Record) syncRefs() {
	for _, fk := range r.entity.ForeignKeys {
		if parent, ok := r.refs[fk.Name]; ok {
			r.syncRef(fk, parent)
		}
	}
}

// syncRef reports whether the parent's key was complete and copied.
func (r *Record) syncRef(fk schema.ForeignKey, parent *Record) bool {
	vals := make([]any, len(fk.RefColumns))
	for i, col := range fk.RefColumns {
		v := parent.values[col]
		if v == nil {
			return false
		}
		vals[i] = v
	}
	for i, col := range fk.Columns {
		r.set(col, vals[i])
	}
	return true
}

// Key returns the current primary-key values. ok is false while any key
// column is unset.
func (r *Record) Key() (Key, bool) {
	return keyOf(r.entity, r.values)
}

// loadedKey returns the primary key as last synchronized with the database.
func (r *Record) loadedKey() Key {
	k, _ := keyOf(r.entity, r.loaded)
	return k
}

func keyOf(ent *schema.Entity, values map[string]any) (Key, bool) {
	key := make(Key, len(ent.PrimaryKey))
	for i, col := range ent.PrimaryKey {
		v := values[col]
		if v == nil {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}

// Identity returns the identity the record is registered under. Records
// that were never persisted report their prospective identity when the key
// is fully set.
func (r *Record) Identity() (Identity, bool) {
	if r.hasIdentity {
		return r.identity, true
	}
	return r.currentIdentity()
}

func (r *Record) currentIdentity() (Identity, bool) {
	key, ok := r.Key()
	if !ok {
		return Identity{}, false
	}
	id, err := NewIdentity(r.entity.Name, key)
	if err != nil {
		return Identity{}, false
	}
	return id, true
}

// changedAttrs returns dirty attributes whose value differs from the last
// synchronized value.
func (r *Record) changedAttrs() []string {
	var out []string
	for _, attr := range r.dirty {
		old, had := r.loaded[attr]
		if !had || !sameValue(old, r.values[attr]) {
			out = append(out, attr)
		}
	}
	return out
}

// markSynced records the current values as the database state.
func (r *Record) markSynced() {
	r.loaded = maps.Clone(r.values)
	r.dirty = nil
	r.expired = false
}

// reload replaces the synchronized values with a freshly read row. Pending
// edits stay on top of the new values.
func (r *Record) reload(row map[string]any) {
	r.loaded = maps.Clone(row)
	for _, attr := range r.dirty {
		row[attr] = r.values[attr]
	}
	r.values = row
	r.expired = false
}

// revert discards unsynchronized edits.
func (r *Record) revert() {
	if r.loaded != nil {
		r.values = maps.Clone(r.loaded)
	}
	r.dirty = nil
	r.marked = false
}

// snapshot captures everything a flush or rollback may need to put back.
type snapshot struct {
	values      map[string]any
	loaded      map[string]any
	dirty       []string
	state       State
	marked      bool
	expired     bool
	generated   bool
	identity    Identity
	hasIdentity bool
}

func (r *Record) snapshot() snapshot {
	return snapshot{
		values:      maps.Clone(r.values),
		loaded:      maps.Clone(r.loaded),
		dirty:       slices.Clone(r.dirty),
		state:       r.state,
		marked:      r.marked,
		expired:     r.expired,
		generated:   r.generated,
		identity:    r.identity,
		hasIdentity: r.hasIdentity,
	}
}

func (r *Record) restore(s snapshot) {
	r.values = maps.Clone(s.values)
	r.loaded = maps.Clone(s.loaded)
	r.dirty = slices.Clone(s.dirty)
	r.state = s.state
	r.marked = s.marked
	r.expired = s.expired
	r.generated = s.generated
	r.identity = s.identity
	r.hasIdentity = s.hasIdentity
}

// String renders the record for logs, e.g. user[4] persistent.
func (r *Record) String() string {
	if id, ok := r.Identity(); ok {
		return id.String() + " " + r.state.String()
	}
	return r.entity.Name + "[?] " + r.state.String()
}
