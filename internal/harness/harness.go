package harness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
	"github.com/roach88/uow/internal/testutil"
	"github.com/roach88/uow/internal/uow"
)

// DefaultDriver is used when neither the scenario nor the options name one.
const DefaultDriver = "sqlite3"

// Options configures Run.
type Options struct {
	// Driver and DSN select the database. An empty DSN runs against a
	// fresh SQLite file in a temporary directory.
	Driver string
	DSN    string

	// Logger receives session logs. Defaults to discarding them.
	Logger *slog.Logger

	// Recorder receives flush and pool metrics. Defaults to metrics.Noop.
	Recorder metrics.Recorder

	// Trace observes every statement on the underlying pool.
	Trace sqlconn.TraceFunc

	// SessionOptions apply to every session before the scenario's own
	// settings. Logger, recorder and session IDs are always the harness's.
	SessionOptions []uow.Option
}

// Run executes a scenario: it loads the schema, creates the tables, runs
// every step through sessions named "s1", "s2", ... and checks the
// assertions. Step and assertion failures are reported in the Result; the
// returned error is reserved for setup problems.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	s, err := schema.Load(sc.Schema)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	driver := cmp.Or(opts.Driver, sc.Driver, DefaultDriver)
	dsn := opts.DSN
	if dsn == "" {
		if !strings.HasPrefix(driver, "sqlite") {
			return nil, fmt.Errorf("driver %q needs a DSN", driver)
		}
		dir, err := os.MkdirTemp("", "uow-scenario-*")
		if err != nil {
			return nil, fmt.Errorf("create scenario database: %w", err)
		}
		defer os.RemoveAll(dir)
		dsn = filepath.Join(dir, "scenario.db")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.Noop{}
	}

	pool, err := sqlconn.Open(ctx, sqlconn.Options{
		Driver:   driver,
		DSN:      dsn,
		MaxOpen:  1,
		Recorder: rec,
		Trace:    opts.Trace,
	})
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	if err := pool.Migrate(ctx, s); err != nil {
		return nil, err
	}

	result := NewResult(sc.Name)
	h := &runner{
		result: result,
		refs:   make(map[string]*uow.Record),
	}
	t := &tracer{pool: pool, result: result, session: func() string { return h.sess.ID() }}

	sessionOpts := append(slices.Clone(opts.SessionOptions),
		uow.WithLogger(logger),
		uow.WithRecorder(rec),
		uow.WithIDGenerator(sessionIDs{testutil.NewSequence(0)}),
	)
	if v := sc.Session.Autoflush; v != nil {
		sessionOpts = append(sessionOpts, uow.WithAutoflush(*v))
	}
	if v := sc.Session.ExpireOnCommit; v != nil {
		sessionOpts = append(sessionOpts, uow.WithExpireOnCommit(*v))
	}
	if v := sc.Session.InsertBatching; v != nil {
		sessionOpts = append(sessionOpts, uow.WithInsertBatching(*v))
	}
	h.factory = uow.NewFactory(t, s, sessionOpts...)
	h.sess = h.factory.NewSession()

	for i, step := range sc.Steps {
		if !h.step(ctx, i, step) {
			break
		}
	}
	if err := h.sess.Close(ctx); err != nil {
		result.AddFailure("close: %v", err)
	}

	checkAssertions(ctx, pool, sc.Assertions, result)
	return result, nil
}

type sessionIDs struct {
	seq *testutil.Sequence
}

func (g sessionIDs) Generate() string {
	return "s" + strconv.FormatInt(g.seq.Next(), 10)
}

type runner struct {
	factory *uow.Factory
	sess    *uow.Session
	result  *Result
	refs    map[string]*uow.Record
}

// step runs one step and reports whether the run should continue.
// An unexpected error ends the run; a failed expectation does not.
func (h *runner) step(ctx context.Context, i int, st Step) bool {
	err := h.apply(ctx, st)

	var mismatch *expectError
	switch {
	case errors.As(err, &mismatch):
		h.result.AddFailure("steps[%d] %s: %v", i, st.Op, err)
		return true
	case st.Error == "" && err != nil:
		h.result.AddFailure("steps[%d] %s: %v", i, st.Op, err)
		return false
	case st.Error != "" && err == nil:
		h.result.AddFailure("steps[%d] %s: expected %s, got no error", i, st.Op, st.Error)
		return false
	case st.Error != "":
		code, _ := uow.CodeOf(err)
		if string(code) != st.Error {
			h.result.AddFailure("steps[%d] %s: expected %s, got %v", i, st.Op, st.Error, err)
			return false
		}
	}
	return true
}

// expectError is a value or state that did not match; the run goes on.
type expectError struct {
	msg string
}

func (e *expectError) Error() string { return e.msg }

func mismatchf(format string, args ...any) error {
	return &expectError{msg: fmt.Sprintf(format, args...)}
}

func (h *runner) ref(name string) (*uow.Record, error) {
	r, ok := h.refs[name]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", name)
	}
	return r, nil
}

func (h *runner) apply(ctx context.Context, st Step) error {
	switch st.Op {
	case OpAdd:
		r, err := h.factory.NewRecord(st.Entity, st.Values)
		if err != nil {
			return err
		}
		for _, fk := range slices.Sorted(maps.Keys(st.Links)) {
			parent, err := h.ref(st.Links[fk])
			if err != nil {
				return err
			}
			if err := r.Link(fk, parent); err != nil {
				return err
			}
		}
		if st.Ref != "" {
			h.refs[st.Ref] = r
		}
		return h.sess.Add(r)

	case OpSet:
		r, err := h.ref(st.Ref)
		if err != nil {
			return err
		}
		for _, attr := range slices.Sorted(maps.Keys(st.Values)) {
			if err := r.Set(attr, st.Values[attr]); err != nil {
				return err
			}
		}
		return nil

	case OpLink:
		r, err := h.ref(st.Ref)
		if err != nil {
			return err
		}
		var parent *uow.Record
		if st.To != "" {
			if parent, err = h.ref(st.To); err != nil {
				return err
			}
		}
		return r.Link(st.FK, parent)

	case OpDelete, OpExpunge, OpRefresh:
		r, err := h.ref(st.Ref)
		if err != nil {
			return err
		}
		switch st.Op {
		case OpDelete:
			return h.sess.Delete(r)
		case OpExpunge:
			return h.sess.Expunge(r)
		default:
			return h.sess.Refresh(ctx, r)
		}

	case OpGet:
		r, found, err := h.sess.Get(ctx, st.Entity, st.Key...)
		if err != nil {
			return err
		}
		if found == st.Absent {
			if st.Absent {
				return mismatchf("%s%v: expected no record, found %s", st.Entity, st.Key, r)
			}
			return mismatchf("%s%v: not found", st.Entity, st.Key)
		}
		if found && st.Ref != "" {
			h.refs[st.Ref] = r
		}
		return nil

	case OpQuery:
		recs, err := h.sess.Query(ctx, st.Entity, st.Where, st.Args...)
		if err != nil {
			return err
		}
		if st.Ref != "" {
			for i, r := range recs {
				h.refs[fmt.Sprintf("%s.%d", st.Ref, i)] = r
			}
		}
		if st.Count != nil && len(recs) != *st.Count {
			return mismatchf("expected %d rows, got %d", *st.Count, len(recs))
		}
		return nil

	case OpExecute:
		stmt := sqlcompile.Raw(st.SQL, st.Args...)
		if isQuery(st.SQL) {
			stmt = sqlcompile.RawQuery(st.SQL, st.Args...)
		}
		res, err := h.sess.Execute(ctx, stmt)
		if err != nil {
			return err
		}
		if st.Count != nil && res.RowsAffected != int64(*st.Count) {
			return mismatchf("expected %d rows, got %d", *st.Count, res.RowsAffected)
		}
		return nil

	case OpBegin:
		return h.sess.Begin(ctx)

	case OpFlush:
		report, err := h.sess.Flush(ctx)
		if err != nil {
			return err
		}
		h.result.Reports = append(h.result.Reports, report)
		return nil

	case OpCommit:
		return h.sess.Commit(ctx)

	case OpRollback:
		return h.sess.Rollback(ctx)

	case OpClose:
		return h.sess.Close(ctx)

	case OpReopen:
		if err := h.sess.Close(ctx); err != nil {
			return err
		}
		h.sess = h.factory.NewSession()
		return nil

	case OpExpect:
		return h.expect(st)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func isQuery(sql string) bool {
	head := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

// expect checks a record's state and values without touching the database.
func (h *runner) expect(st Step) error {
	var r *uow.Record
	if st.Ref != "" {
		var err error
		if r, err = h.ref(st.Ref); err != nil {
			return err
		}
	} else {
		held, ok := h.sess.Lookup(st.Entity, st.Key...)
		if ok == st.Absent {
			if st.Absent {
				return mismatchf("%s%v: expected no record in the identity map, found %s", st.Entity, st.Key, held)
			}
			return mismatchf("%s%v: not in the identity map", st.Entity, st.Key)
		}
		if !ok {
			return nil
		}
		r = held
	}

	if st.State != "" && !strings.EqualFold(r.State().String(), st.State) {
		return mismatchf("%s: state is %s, expected %s", r, r.State(), st.State)
	}
	for _, attr := range slices.Sorted(maps.Keys(st.Values)) {
		want, got := st.Values[attr], r.Get(attr)
		if !valuesEqual(want, got) {
			return mismatchf("%s: %s = %v, expected %v", r, attr, got, want)
		}
	}
	return nil
}
