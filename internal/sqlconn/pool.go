package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/schema"
	"github.com/roach88/uow/internal/sqlcompile"
)

// ErrPoolTimeout is returned by Acquire when no connection frees up in time.
var ErrPoolTimeout = errors.New("timed out waiting for a pooled connection")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

// DefaultMaxOpen bounds the pool when Options.MaxOpen is zero.
const DefaultMaxOpen = 4

// Options configures Open.
type Options struct {
	// Driver is a registered database/sql driver name: "sqlite3", "sqlite" or "pgx".
	Driver string
	DSN    string

	// MaxOpen is the number of connections that may be checked out at once.
	MaxOpen int

	// Recorder receives acquire timings. Defaults to metrics.Noop.
	Recorder metrics.Recorder

	// Trace, when set, is called after every statement a pooled
	// connection executes.
	Trace TraceFunc
}

// Pool hands out at most MaxOpen connections at a time.
type Pool struct {
	db      *sql.DB
	dialect sqlcompile.Dialect
	slots   chan struct{}
	rec     metrics.Recorder
	trace   TraceFunc
	closed  chan struct{}
}

// Open opens the database, verifies it is reachable and applies the
// dialect's database-wide pragmas.
func Open(ctx context.Context, opts Options) (*Pool, error) {
	dialect, err := sqlcompile.DialectFor(opts.Driver)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = DefaultMaxOpen
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Noop{}
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpen)
	db.SetMaxIdleConns(opts.MaxOpen)

	for _, pragma := range dialect.DatabasePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &Pool{
		db:      db,
		dialect: dialect,
		slots:   make(chan struct{}, opts.MaxOpen),
		rec:     opts.Recorder,
		trace:   opts.Trace,
		closed:  make(chan struct{}),
	}, nil
}

// Dialect returns the dialect of the pooled database.
func (p *Pool) Dialect() sqlcompile.Dialect {
	return p.dialect
}

// DB returns the underlying handle for out-of-band queries in tests and tools.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Acquire checks out a connection, waiting at most timeout for a free slot
// (timeout <= 0 waits until ctx is done). Per-connection pragmas are applied
// before the connection is returned.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Conn, error) {
	start := time.Now()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case p.slots <- struct{}{}:
	case <-expired:
		p.rec.PoolAcquired(time.Since(start), true)
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
	p.rec.PoolAcquired(time.Since(start), false)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	for _, pragma := range p.dialect.ConnPragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			<-p.slots
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return &SQLConn{conn: conn, dialect: p.dialect, trace: p.trace}, nil
}

// Release returns a connection to the pool, rolling back any transaction
// still open on it.
func (p *Pool) Release(c Conn) error {
	sc, ok := c.(*SQLConn)
	if !ok {
		return fmt.Errorf("release: connection %T does not belong to this pool", c)
	}
	defer func() { <-p.slots }()

	var errs []error
	if sc.tx != nil {
		if err := sc.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
		}
		sc.tx = nil
	}
	if err := sc.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Migrate creates the tables of s that do not exist yet.
func (p *Pool) Migrate(ctx context.Context, s *schema.Schema) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer tx.Rollback()

	for _, ddl := range sqlcompile.New(p.dialect).CreateTables(s) {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}

// Close closes the database. Connections still checked out are invalidated.
func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	return p.db.Close()
}
