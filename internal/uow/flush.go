package uow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

// FlushReport summarizes one flush.
type FlushReport struct {
	Inserted   int
	Updated    int
	Deleted    int
	Statements int

	// NewKeys lists the identities of inserted records in insert order.
	NewKeys []Identity

	Duration time.Duration
}

// Empty reports whether the flush wrote nothing.
func (r FlushReport) Empty() bool {
	return r.Statements == 0
}

// String renders the counts, e.g. "inserted=2 updated=0 deleted=1 statements=3".
func (r FlushReport) String() string {
	return fmt.Sprintf("inserted=%d updated=%d deleted=%d statements=%d",
		r.Inserted, r.Updated, r.Deleted, r.Statements)
}

// FlushEngine turns a change set into ordered INSERT, UPDATE and DELETE
// statements and reconciles the results into records and the identity map.
type FlushEngine struct {
	sorter       *Sorter
	logger       *slog.Logger
	recorder     metrics.Recorder
	batchInserts bool
}

// NewFlushEngine creates an engine ordering writes with sorter.
func NewFlushEngine(sorter *Sorter, opts ...Option) *FlushEngine {
	o := buildOptions(opts)
	return &FlushEngine{
		sorter:       sorter,
		logger:       o.logger,
		recorder:     o.recorder,
		batchInserts: o.insertBatching,
	}
}

// Flush drains cs and writes it through conn, which must have an open
// transaction.
//
// Records change state and the identity map changes only once every
// statement has succeeded. On failure the remaining statements are skipped,
// every touched record gets its pre-flush values and state back, the batch
// is tracked again, and the error is returned with the transaction left
// open for the caller to roll back.
func (e *FlushEngine) Flush(ctx context.Context, cs *ChangeSet, conn sqlconn.Conn, idmap *IdentityMap) (FlushReport, error) {
	start := time.Now()
	batch := cs.Drain()
	if batch.Len() == 0 {
		return FlushReport{}, nil
	}

	snaps := make(map[*Record]snapshot, batch.Len())
	for _, list := range [][]*Record{batch.New, batch.Dirty, batch.Removed} {
		for _, r := range list {
			snaps[r] = r.snapshot()
		}
	}

	report, err := e.flush(ctx, batch, conn, idmap)
	report.Duration = time.Since(start)
	if err != nil {
		for r, s := range snaps {
			r.restore(s)
		}
		cs.Restore(batch)
		code, _ := CodeOf(err)
		e.recorder.FlushFailed(string(code), report.Duration)
		e.logger.Debug("flush failed",
			"error", err,
			"statements", report.Statements,
			"duration", report.Duration)
		return FlushReport{}, err
	}

	e.recorder.FlushCompleted(metrics.FlushStats{
		Inserted:   report.Inserted,
		Updated:    report.Updated,
		Deleted:    report.Deleted,
		Statements: report.Statements,
		Duration:   report.Duration,
	})
	e.logger.Debug("flush complete",
		"inserted", report.Inserted,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"statements", report.Statements,
		"duration", report.Duration)
	return report, nil
}

// pendingUpdate is a dirty record whose UPDATE ran or was skipped.
type pendingUpdate struct {
	rec   *Record
	rekey bool
}

func (e *FlushEngine) flush(ctx context.Context, batch Batch, conn sqlconn.Conn, idmap *IdentityMap) (FlushReport, error) {
	var report FlushReport
	if !conn.InTx() {
		return report, fmt.Errorf("flush: connection has no open transaction")
	}

	inserts, err := e.sorter.OrderForInsert(batch.New)
	if err != nil {
		return report, err
	}
	deletes, err := e.sorter.OrderForDelete(batch.Removed)
	if err != nil {
		return report, err
	}
	updates := e.sorter.OrderForUpdate(batch.Dirty)

	comp := sqlcompile.New(conn.Dialect())
	claimed := make(map[Identity]*Record)

	// claim reserves id for r within this flush and against the identity map.
	claim := func(r *Record, id Identity) error {
		if other, ok := claimed[id]; ok && other != r {
			return newIdentityConflict(id)
		}
		if h, ok := idmap.Get(id); ok && h != r.handle {
			return newIdentityConflict(id)
		}
		claimed[id] = r
		return nil
	}

	for i := 0; i < len(inserts); {
		n, err := e.insert(ctx, comp, conn, inserts[i:], claim)
		if err != nil {
			return report, err
		}
		report.Statements++
		report.Inserted += n
		i += n
	}

	var updated []pendingUpdate
	for _, r := range updates {
		u, wrote, err := e.update(ctx, comp, conn, r, claim)
		if err != nil {
			return report, err
		}
		if wrote {
			report.Statements++
			report.Updated++
		}
		updated = append(updated, u)
	}

	for _, r := range deletes {
		stmt, err := comp.Delete(r.entity, r.loadedKey())
		if err != nil {
			return report, newStatementError("delete", r, err)
		}
		res, err := conn.Execute(ctx, stmt)
		if err != nil {
			return report, newStatementError("delete", r, err)
		}
		if res.RowsAffected == 0 {
			return report, newStaleRow("delete", r, r.loadedKey())
		}
		report.Statements++
		report.Deleted++
	}

	// Every statement succeeded: reconcile states and the identity map.
	for _, r := range inserts {
		r.state = Persistent
		r.marked = false
		r.markSynced()
		if err := idmap.Put(r); err != nil {
			return report, err
		}
		report.NewKeys = append(report.NewKeys, r.identity)
	}
	for _, u := range updated {
		if u.rekey {
			idmap.removeIfHeld(u.rec.identity, u.rec.handle)
			u.rec.hasIdentity = false
			if err := idmap.Put(u.rec); err != nil {
				return report, err
			}
		}
		u.rec.markSynced()
	}
	for _, r := range deletes {
		idmap.removeIfHeld(r.identity, r.handle)
		r.state = Deleted
		r.marked = false
		r.dirty = nil
	}
	return report, nil
}

// insert writes rows[0], batched with the following rows when they can
// share one multi-row INSERT. It returns the number of rows written.
func (e *FlushEngine) insert(ctx context.Context, comp *sqlcompile.Compiler, conn sqlconn.Conn, rows []*Record, claim func(*Record, Identity) error) (int, error) {
	first := rows[0]
	first.syncRefs()
	ent := first.entity
	cols := insertColumns(first)

	gen := ent.GeneratedKey()
	returning := ""
	if gen != "" && first.values[gen] == nil {
		returning = gen
	}

	run := []*Record{first}
	if returning == "" && e.batchInserts && !e.sorter.IsCyclic(ent.Name) {
		for _, r := range rows[1:] {
			if r.entity != ent {
				break
			}
			r.syncRefs()
			if !slices.Equal(insertColumns(r), cols) {
				break
			}
			run = append(run, r)
		}
	}

	vals := make([][]any, len(run))
	for i, r := range run {
		if returning == "" {
			id, ok := r.currentIdentity()
			if !ok {
				return 0, newInvalidTransition(r, "primary key is not set and not generated")
			}
			if err := claim(r, id); err != nil {
				return 0, err
			}
		}
		vals[i] = make([]any, len(cols))
		for j, col := range cols {
			vals[i][j] = r.values[col]
		}
	}

	stmt, err := comp.InsertMany(ent, cols, vals, returning)
	if err != nil {
		return 0, newStatementError("insert", first, err)
	}
	res, err := conn.Execute(ctx, stmt)
	if err != nil {
		return 0, newStatementError("insert", first, err)
	}

	if returning != "" {
		if len(res.GeneratedKeys) == 0 || res.GeneratedKeys[0] == nil {
			return 0, newStatementError("insert", first, fmt.Errorf("no generated key returned for %s.%s", ent.Name, gen))
		}
		key := res.GeneratedKeys[0]
		if n, ok := asInt64(key); ok {
			key = n
		}
		first.values[gen] = key
		first.generated = true
		id, ok := first.currentIdentity()
		if !ok {
			return 0, newStatementError("insert", first, fmt.Errorf("generated key %v is not a valid key", key))
		}
		if err := claim(first, id); err != nil {
			return 0, err
		}
	}

	if len(run) > 1 {
		e.logger.Debug("batched insert", "entity", ent.Name, "rows", len(run))
	}
	return len(run), nil
}

// insertColumns lists the columns an INSERT of r carries: every column with
// an assigned value, in declaration order. An unset generated key is left
// to the database.
func insertColumns(r *Record) []string {
	var cols []string
	for _, c := range r.entity.Columns {
		v, ok := r.values[c.Name]
		if !ok {
			continue
		}
		if c.Generated && v == nil {
			continue
		}
		cols = append(cols, c.Name)
	}
	return cols
}

// update writes the net change of one dirty record. wrote is false when
// every dirty attribute is back at its loaded value.
func (e *FlushEngine) update(ctx context.Context, comp *sqlcompile.Compiler, conn sqlconn.Conn, r *Record, claim func(*Record, Identity) error) (pendingUpdate, bool, error) {
	r.syncRefs()
	u := pendingUpdate{rec: r}

	changed := r.changedAttrs()
	if len(changed) == 0 {
		return u, false, nil
	}

	if slices.ContainsFunc(changed, r.entity.IsKeyColumn) {
		id, ok := r.currentIdentity()
		if !ok {
			return u, false, newInvalidTransition(r, "primary key cannot be cleared")
		}
		if id != r.identity {
			if err := claim(r, id); err != nil {
				return u, false, err
			}
			u.rekey = true
		}
	}

	vals := make([]any, len(changed))
	for i, attr := range changed {
		vals[i] = r.values[attr]
	}
	key := r.loadedKey()
	stmt, err := comp.Update(r.entity, changed, vals, key)
	if err != nil {
		return u, false, newStatementError("update", r, err)
	}
	res, err := conn.Execute(ctx, stmt)
	if err != nil {
		return u, false, newStatementError("update", r, err)
	}
	if res.RowsAffected == 0 {
		return u, false, newStaleRow("update", r, key)
	}
	return u, true, nil
}
