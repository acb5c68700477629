package uow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

// Pool hands out connections. Implemented by *sqlconn.Pool.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (sqlconn.Conn, error)
	Release(conn sqlconn.Conn) error
}

// Factory creates sessions sharing one pool, schema and dependency graph.
// A Factory is safe for concurrent use; the sessions it creates are not.
type Factory struct {
	pool   Pool
	schema *schema.Schema
	sorter *Sorter
	opts   options
}

// NewFactory builds the dependency graph of s once for every session.
func NewFactory(pool Pool, s *schema.Schema, opts ...Option) *Factory {
	return &Factory{
		pool:   pool,
		schema: s,
		sorter: NewSorter(s),
		opts:   buildOptions(opts),
	}
}

// Schema returns the mapped schema.
func (f *Factory) Schema() *schema.Schema { return f.schema }

// Sorter returns the shared dependency sorter.
func (f *Factory) Sorter() *Sorter { return f.sorter }

// NewRecord creates a transient record of the named entity.
func (f *Factory) NewRecord(entity string, values map[string]any) (*Record, error) {
	ent, ok := f.schema.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	return NewRecord(ent, values)
}

// NewSession creates a session. No connection is acquired until the
// session first talks to the database.
func (f *Factory) NewSession() *Session {
	id := f.opts.ids.Generate()
	logger := f.opts.logger.With("session", id)
	return &Session{
		id:      id,
		factory: f,
		logger:  logger,
		idmap:   NewIdentityMap(),
		changes: NewChangeSet(),
		arena:   make(map[Handle]*Record),
		engine: &FlushEngine{
			sorter:       f.sorter,
			logger:       logger,
			recorder:     f.opts.recorder,
			batchInserts: f.opts.insertBatching,
		},
	}
}

// SessionState is a session's transaction state.
type SessionState int

const (
	// SessionActive sessions have no open transaction.
	SessionActive SessionState = iota
	// SessionInTransaction sessions hold an open transaction.
	SessionInTransaction
	// SessionClosed sessions reject every operation.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionInTransaction:
		return "in-transaction"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session is a unit of work: it tracks records, keeps one record per row
// identity, and writes accumulated changes in dependency order on flush.
//
// A Session is not safe for concurrent use. It holds one connection from
// its first database operation until Close, and begins a transaction
// automatically when it first needs one.
type Session struct {
	id      string
	factory *Factory
	logger  *slog.Logger
	state   SessionState

	conn     sqlconn.Conn
	compiler *sqlcompile.Compiler

	idmap   *IdentityMap
	changes *ChangeSet
	engine  *FlushEngine

	arena      map[Handle]*Record
	nextHandle Handle

	// Transaction bookkeeping for rollback: the state of every record the
	// first time a flush touched it, and records inserted in this transaction.
	txSnapshots map[Handle]snapshot
	txNew       map[Handle]bool

	// failed holds the flush error until Rollback or Close.
	failed error
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the transaction state.
func (s *Session) State() SessionState { return s.state }

// IdentityMap returns the session's identity map.
func (s *Session) IdentityMap() *IdentityMap { return s.idmap }

// IsModified reports whether there are changes waiting for a flush.
func (s *Session) IsModified() bool { return s.changes.Len() > 0 }

// Contains reports whether r is attached to this session.
func (s *Session) Contains(r *Record) bool { return r.session == s }

// Records returns the attached records in attach order.
func (s *Session) Records() []*Record {
	out := slices.Collect(maps.Values(s.arena))
	slices.SortFunc(out, func(a, b *Record) int { return cmp.Compare(a.handle, b.handle) })
	return out
}

func (s *Session) usable() error {
	if s.state == SessionClosed {
		return errSessionClosed
	}
	if s.failed != nil {
		return newPendingRollback(s.failed)
	}
	return nil
}

func (s *Session) checkOwner(r *Record) error {
	if r.session != nil && r.session != s && r.session.state != SessionClosed {
		return newForeignRecord(r)
	}
	return nil
}

func (s *Session) attach(r *Record) {
	s.nextHandle++
	r.handle = s.nextHandle
	r.session = s
	s.arena[r.handle] = r
}

func (s *Session) detach(r *Record) {
	delete(s.arena, r.handle)
	r.session = nil
	r.handle = 0
}

func (s *Session) lookup(id Identity) (*Record, bool) {
	h, ok := s.idmap.Get(id)
	if !ok {
		return nil, false
	}
	r, ok := s.arena[h]
	return r, ok
}

// noteDirty is called by records when a persistent attribute changes.
func (s *Session) noteDirty(r *Record) {
	if err := s.changes.TrackDirty(r); err != nil {
		s.logger.Warn("record not tracked", "record", r.String(), "error", err)
	}
}

// Add attaches a transient record as pending, or re-attaches a detached
// record as persistent. Adding a record already in the session is a no-op.
func (s *Session) Add(r *Record) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkOwner(r); err != nil {
		return err
	}

	switch r.state {
	case Transient:
		s.attach(r)
		if err := s.changes.TrackNew(r); err != nil {
			s.detach(r)
			return err
		}
		r.state = Pending
	case Pending, Persistent:
		if r.marked {
			return newInvalidTransition(r, "record is marked for deletion")
		}
	case Detached:
		return s.reattach(r)
	case Deleted:
		return newInvalidTransition(r, "cannot add a deleted record")
	}
	return nil
}

func (s *Session) reattach(r *Record) error {
	if !r.hasIdentity {
		return newInvalidTransition(r, "detached record has no identity")
	}
	if _, taken := s.idmap.Get(r.identity); taken {
		return newIdentityConflict(r.identity)
	}
	s.attach(r)
	if err := s.idmap.Put(r); err != nil {
		s.detach(r)
		return err
	}
	r.state = Persistent
	if r.IsDirty() {
		if err := s.changes.TrackDirty(r); err != nil {
			return err
		}
	}
	s.logger.Debug("record attached", "record", r.String())
	return nil
}

// Delete marks a persistent (or detached, which is re-attached) record for
// deletion at the next flush. Unflushed edits of the record are dropped
// from the change set.
func (s *Session) Delete(r *Record) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkOwner(r); err != nil {
		return err
	}

	switch r.state {
	case Transient, Pending:
		return newInvalidTransition(r, "record is not persistent")
	case Deleted:
		return newInvalidTransition(r, "record is already deleted")
	case Detached:
		if err := s.reattach(r); err != nil {
			return err
		}
	}
	if r.marked {
		return nil
	}
	s.changes.Untrack(r)
	if err := s.changes.TrackRemoved(r); err != nil {
		return err
	}
	r.marked = true
	return nil
}

// Expunge detaches r without touching the database: pending records become
// transient, persistent records detached.
func (s *Session) Expunge(r *Record) error {
	if s.state == SessionClosed {
		return errSessionClosed
	}
	if r.session != s {
		if err := s.checkOwner(r); err != nil {
			return err
		}
		return newInvalidTransition(r, "record is not attached to this session")
	}

	switch r.state {
	case Pending:
		s.makeTransient(r)
	case Persistent:
		s.changes.Untrack(r)
		s.idmap.removeIfHeld(r.identity, r.handle)
		r.marked = false
		r.state = Detached
		s.detach(r)
	default:
		s.detach(r)
	}
	return nil
}

// makeTransient returns a pending or rolled-back record to the transient
// state, forgetting any key the database generated for it.
func (s *Session) makeTransient(r *Record) {
	s.changes.Untrack(r)
	if r.hasIdentity {
		s.idmap.removeIfHeld(r.identity, r.handle)
	}
	if r.generated {
		delete(r.values, r.entity.GeneratedKey())
		r.generated = false
	}
	r.state = Transient
	r.marked = false
	r.expired = false
	r.identity = Identity{}
	r.hasIdentity = false
	r.loaded = nil
	r.dirty = nil
	s.detach(r)
}

// Lookup returns the record holding an identity, without database access.
func (s *Session) Lookup(entity string, key ...any) (*Record, bool) {
	id, err := NewIdentity(entity, key)
	if err != nil {
		return nil, false
	}
	return s.lookup(id)
}

func (s *Session) connection(ctx context.Context) (sqlconn.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.factory.pool.Acquire(ctx, s.factory.opts.acquireTimeout)
	if err != nil {
		if errors.Is(err, sqlconn.ErrPoolTimeout) {
			return nil, newPoolTimeout(err)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	s.conn = conn
	s.compiler = sqlcompile.New(conn.Dialect())
	s.logger.Debug("connection acquired")
	return conn, nil
}

// begin returns the connection with a transaction open on it.
func (s *Session) begin(ctx context.Context) (sqlconn.Conn, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	if !conn.InTx() {
		if err := conn.Begin(ctx); err != nil {
			return nil, newStatementError("begin", nil, err)
		}
		s.state = SessionInTransaction
		s.txSnapshots = make(map[Handle]snapshot)
		s.txNew = make(map[Handle]bool)
		s.logger.Debug("transaction begun")
	}
	return conn, nil
}

// Begin opens a transaction explicitly. Sessions otherwise begin one on
// first database use.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state == SessionInTransaction {
		return &Error{Code: ErrCodeInvalidStateTransition, Message: "transaction already begun"}
	}
	_, err := s.begin(ctx)
	return err
}

// Flush writes pending changes inside the session's transaction. A flush
// with nothing to write does not touch the database. After a failed flush
// the session rejects everything but Rollback and Close.
func (s *Session) Flush(ctx context.Context) (FlushReport, error) {
	if err := s.usable(); err != nil {
		return FlushReport{}, err
	}
	return s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) (FlushReport, error) {
	if s.changes.Len() == 0 {
		return FlushReport{}, nil
	}
	conn, err := s.begin(ctx)
	if err != nil {
		return FlushReport{}, err
	}

	for _, r := range s.changes.Records() {
		if _, seen := s.txSnapshots[r.handle]; !seen {
			s.txSnapshots[r.handle] = r.snapshot()
		}
		if r.state == Pending {
			s.txNew[r.handle] = true
		}
	}

	report, err := s.engine.Flush(ctx, s.changes, conn, s.idmap)
	if err != nil {
		s.failed = err
		s.logger.Warn("flush failed; session needs rollback", "error", err)
		return FlushReport{}, err
	}
	return report, nil
}

func (s *Session) autoflush(ctx context.Context) error {
	if !s.factory.opts.autoflush {
		return nil
	}
	_, err := s.flush(ctx)
	return err
}

// Commit flushes and commits the transaction. Records deleted in the
// transaction leave the session.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if _, err := s.flush(ctx); err != nil {
		return err
	}
	if s.conn != nil && s.conn.InTx() {
		if err := s.conn.Commit(ctx); err != nil {
			s.failed = err
			return newStatementError("commit", nil, err)
		}
	}

	for _, r := range s.Records() {
		switch {
		case r.state == Deleted:
			s.detach(r)
		case r.state == Persistent && s.factory.opts.expireOnCommit:
			r.expired = true
		}
	}
	s.endTx()
	s.logger.Debug("transaction committed")
	return nil
}

// Rollback rolls back the transaction and re-derives record states from it:
// records inserted or still pending become transient, records written by
// a flush get their pre-transaction state back, unflushed edits are
// discarded, and every persistent record is expired so its next load reads
// the database again.
func (s *Session) Rollback(ctx context.Context) error {
	if s.state == SessionClosed {
		return errSessionClosed
	}
	var err error
	if s.conn != nil && s.conn.InTx() {
		if rerr := s.conn.Rollback(ctx); rerr != nil {
			err = newStatementError("rollback", nil, rerr)
		}
	}
	s.revert()
	s.failed = nil
	s.endTx()
	s.logger.Debug("transaction rolled back")
	return err
}

func (s *Session) revert() {
	s.changes.Drain()
	records := s.Records()

	for _, r := range records {
		if r.state == Pending || s.txNew[r.handle] {
			s.makeTransient(r)
		}
	}
	for _, r := range records {
		if r.session != s {
			continue
		}
		if snap, ok := s.txSnapshots[r.handle]; ok {
			s.idmap.removeIfHeld(r.identity, r.handle)
			r.restore(snap)
			if r.hasIdentity {
				if err := s.idmap.Put(r); err != nil {
					s.logger.Warn("record not restored", "record", r.String(), "error", err)
				}
			}
		}
		r.revert()
		if r.state == Persistent {
			r.expired = true
		}
	}
}

func (s *Session) endTx() {
	s.txSnapshots = nil
	s.txNew = nil
	if s.state == SessionInTransaction {
		s.state = SessionActive
	}
}

// Close rolls back any open transaction, detaches every record, and releases
// the connection. Pending records become transient. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.state == SessionClosed {
		return nil
	}
	var errs []error
	if s.conn != nil && s.conn.InTx() {
		if err := s.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, r := range s.Records() {
		switch r.state {
		case Pending:
			s.makeTransient(r)
		case Persistent:
			r.state = Detached
			r.marked = false
			s.detach(r)
		default:
			s.detach(r)
		}
	}
	s.changes.Drain()
	s.idmap.Clear()

	if s.conn != nil {
		if err := s.factory.pool.Release(s.conn); err != nil {
			errs = append(errs, err)
		}
		s.conn = nil
	}
	s.state = SessionClosed
	s.failed = nil
	s.logger.Debug("session closed")
	return errors.Join(errs...)
}

// Get returns the record of entity with the given primary key. An
// identity-map hit returns the held record (reloading it when expired);
// otherwise the session autoflushes and selects the row. found is false
// when no row exists or the record is marked for deletion.
func (s *Session) Get(ctx context.Context, entity string, key ...any) (*Record, bool, error) {
	if err := s.usable(); err != nil {
		return nil, false, err
	}
	ent, ok := s.factory.schema.Entity(entity)
	if !ok {
		return nil, false, fmt.Errorf("get: unknown entity %q", entity)
	}
	if len(key) != len(ent.PrimaryKey) {
		return nil, false, fmt.Errorf("get %s: key has %d values, primary key has %d columns", entity, len(key), len(ent.PrimaryKey))
	}
	id, err := NewIdentity(entity, key)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}

	if r, ok := s.lookup(id); ok {
		return s.hit(ctx, r)
	}
	if err := s.autoflush(ctx); err != nil {
		return nil, false, err
	}
	if r, ok := s.lookup(id); ok {
		return s.hit(ctx, r)
	}

	row, found, err := s.fetch(ctx, ent, key)
	if err != nil || !found {
		return nil, false, err
	}
	r, err := s.load(ent, row)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *Session) hit(ctx context.Context, r *Record) (*Record, bool, error) {
	if r.marked {
		return nil, false, nil
	}
	if !r.expired {
		return r, true, nil
	}
	row, found, err := s.fetch(ctx, r.entity, r.loadedKey())
	if err != nil {
		return nil, false, err
	}
	if !found {
		s.vanished(r)
		return nil, false, nil
	}
	r.reload(rowValues(r.entity, row))
	return r, true, nil
}

// vanished drops a record whose row no longer exists.
func (s *Session) vanished(r *Record) {
	s.changes.Untrack(r)
	s.idmap.removeIfHeld(r.identity, r.handle)
	r.state = Deleted
	r.dirty = nil
	s.detach(r)
	s.logger.Debug("row vanished", "record", r.String())
}

// Refresh reloads r from the database, discarding unflushed edits.
func (s *Session) Refresh(ctx context.Context, r *Record) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkOwner(r); err != nil {
		return err
	}
	if r.session != s || r.state != Persistent {
		return newInvalidTransition(r, "only persistent records of this session can be refreshed")
	}
	if r.marked {
		return newInvalidTransition(r, "record is marked for deletion")
	}
	key := r.loadedKey()
	row, found, err := s.fetch(ctx, r.entity, key)
	if err != nil {
		return err
	}
	if !found {
		s.vanished(r)
		return newStaleRow("refresh", r, key)
	}
	s.changes.Untrack(r)
	r.dirty = nil
	r.reload(rowValues(r.entity, row))
	return nil
}

// Query loads every row of entity matching where ('?' placeholders, may be
// empty), in primary-key order. Rows already in the identity map resolve to
// the held record; records marked for deletion are left out, as with Get.
func (s *Session) Query(ctx context.Context, entity, where string, args ...any) ([]*Record, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	ent, ok := s.factory.schema.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("query: unknown entity %q", entity)
	}
	if err := s.autoflush(ctx); err != nil {
		return nil, err
	}
	conn, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	stmt, err := s.compiler.Select(ent, where, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	res, err := conn.Execute(ctx, stmt)
	if err != nil {
		return nil, newStatementError("select", nil, err)
	}

	out := make([]*Record, 0, len(res.Rows))
	for _, row := range res.Rows {
		r, err := s.load(ent, row)
		if err != nil {
			return nil, err
		}
		if r.marked {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Execute runs a raw statement in the session's transaction, autoflushing
// first: a raw write still selects rows through its WHERE clause. '?'
// placeholders are rebound for the connection's dialect.
func (s *Session) Execute(ctx context.Context, stmt sqlcompile.Statement) (sqlconn.Result, error) {
	if err := s.usable(); err != nil {
		return sqlconn.Result{}, err
	}
	if err := s.autoflush(ctx); err != nil {
		return sqlconn.Result{}, err
	}
	conn, err := s.begin(ctx)
	if err != nil {
		return sqlconn.Result{}, err
	}
	res, err := conn.Execute(ctx, s.compiler.Rebind(stmt))
	if err != nil {
		return sqlconn.Result{}, newStatementError("execute", nil, err)
	}
	return res, nil
}

func (s *Session) fetch(ctx context.Context, ent *schema.Entity, key Key) (sqlconn.Row, bool, error) {
	conn, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	stmt, err := s.compiler.SelectByKey(ent, key)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	res, err := conn.Execute(ctx, stmt)
	if err != nil {
		return nil, false, newStatementError("select", nil, err)
	}
	if len(res.Rows) == 0 {
		return nil, false, nil
	}
	return res.Rows[0], true, nil
}

// load resolves a selected row to its record: the held one when the
// identity is mapped (reloaded if expired), otherwise a new persistent
// record.
func (s *Session) load(ent *schema.Entity, row sqlconn.Row) (*Record, error) {
	values := rowValues(ent, row)
	key, ok := keyOf(ent, values)
	if !ok {
		return nil, fmt.Errorf("load %s: row has a NULL primary key", ent.Name)
	}
	id, err := NewIdentity(ent.Name, key)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if r, ok := s.lookup(id); ok {
		if r.expired {
			r.reload(values)
		}
		return r, nil
	}

	r := &Record{
		entity: ent,
		values: values,
		refs:   make(map[string]*Record),
		state:  Persistent,
	}
	r.markSynced()
	s.attach(r)
	if err := s.idmap.Put(r); err != nil {
		s.detach(r)
		return nil, err
	}
	return r, nil
}

// rowValues maps a result row onto the entity's columns, normalizing the
// representations drivers differ on.
func rowValues(ent *schema.Entity, row sqlconn.Row) map[string]any {
	values := make(map[string]any, len(ent.Columns))
	for _, col := range ent.Columns {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		values[col.Name] = columnValue(col, v)
	}
	return values
}

func columnValue(col schema.Column, v any) any {
	switch col.Type {
	case schema.TypeText:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case schema.TypeInteger:
		if n, ok := asInt64(v); ok {
			return n
		}
	case schema.TypeBoolean:
		if n, ok := asInt64(v); ok {
			return n != 0
		}
	}
	return v
}
