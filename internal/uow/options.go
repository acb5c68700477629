package uow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/uow/internal/metrics"
)

// DefaultAcquireTimeout bounds connection checkout when no timeout is set.
const DefaultAcquireTimeout = 5 * time.Second

// IDGenerator generates session IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session IDs, so log lines
// of consecutive sessions sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs for deterministic tests.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined ID.
//
// Panics when every ID has been consumed: the test created more sessions
// than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Option configures a Factory or FlushEngine.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	recorder       metrics.Recorder
	ids            IDGenerator
	autoflush      bool
	expireOnCommit bool
	insertBatching bool
	acquireTimeout time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		logger:         slog.Default(),
		recorder:       metrics.Noop{},
		ids:            UUIDv7Generator{},
		autoflush:      true,
		insertBatching: true,
		acquireTimeout: DefaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithIDGenerator sets the session ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithAutoflush controls flushing before Get misses, Query and reading
// Execute calls. Enabled by default.
func WithAutoflush(enabled bool) Option {
	return func(o *options) { o.autoflush = enabled }
}

// WithExpireOnCommit marks every persistent record expired after Commit, so
// the next Get or Query reloads it. Disabled by default.
func WithExpireOnCommit(enabled bool) Option {
	return func(o *options) { o.expireOnCommit = enabled }
}

// WithInsertBatching controls combining consecutive inserts of one entity
// with caller-supplied keys into a multi-row INSERT. Enabled by default.
func WithInsertBatching(enabled bool) Option {
	return func(o *options) { o.insertBatching = enabled }
}

// WithAcquireTimeout bounds how long a session waits for a pooled
// connection. Zero or negative waits until the context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}
