package uow

// IdentityMap indexes a session's persistent records by identity. It maps
// each identity to the handle of the one record holding it; the session's
// arena owns the records. It never performs I/O.
type IdentityMap struct {
	entries map[Identity]Handle
}

// NewIdentityMap creates an empty map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[Identity]Handle)}
}

// Get returns the handle registered for id.
func (m *IdentityMap) Get(id Identity) (Handle, bool) {
	h, ok := m.entries[id]
	return h, ok
}

// Put registers r under its identity: the one it already holds, or for a
// record never registered, its current key. It fails with IDENTITY_CONFLICT
// when a different record holds the identity; registering the same record
// again is a no-op.
func (m *IdentityMap) Put(r *Record) error {
	id, ok := r.Identity()
	if !ok {
		return newInvalidTransition(r, "cannot register a record without a complete primary key")
	}
	if h, taken := m.entries[id]; taken && h != r.handle {
		return newIdentityConflict(id)
	}
	m.entries[id] = r.handle
	r.identity = id
	r.hasIdentity = true
	return nil
}

// Remove drops id from the map.
func (m *IdentityMap) Remove(id Identity) {
	delete(m.entries, id)
}

// removeIfHeld drops id only while it still points at h.
func (m *IdentityMap) removeIfHeld(id Identity, h Handle) {
	if cur, ok := m.entries[id]; ok && cur == h {
		delete(m.entries, id)
	}
}

// Clear empties the map and returns the handles it held so the caller can
// detach them.
func (m *IdentityMap) Clear() []Handle {
	out := make([]Handle, 0, len(m.entries))
	for _, h := range m.entries {
		out = append(out, h)
	}
	m.entries = make(map[Identity]Handle)
	return out
}

// Len returns the number of registered identities.
func (m *IdentityMap) Len() int {
	return len(m.entries)
}
