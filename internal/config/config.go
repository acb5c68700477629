// Package config reads the YAML configuration shared by the uow commands.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default:
//
//	database: {driver: sqlite3, dsn: ./uow.db}
//	pool:     {max_open: 4, acquire_timeout: 5s}
//	session:  {autoflush: true, expire_on_commit: false, insert_batching: true}
//	log:      {level: info, format: text}
//	metrics:  {enabled: false, namespace: uow, textfile: ""}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
	"github.com/roach88/uow/internal/uow"
)

// Config is the complete configuration.
type Config struct {
	Database Database `yaml:"database"`
	Pool     Pool     `yaml:"pool"`
	Session  Session  `yaml:"session"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Database selects the driver and data source.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Pool bounds connection checkout.
type Pool struct {
	MaxOpen        int           `yaml:"max_open"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Session holds the per-session behavior switches.
type Session struct {
	Autoflush      bool `yaml:"autoflush"`
	ExpireOnCommit bool `yaml:"expire_on_commit"`
	InsertBatching bool `yaml:"insert_batching"`
}

// Log configures the slog handler installed by the CLI.
type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Metrics configures the Prometheus recorder.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`

	// Textfile, when set, receives a snapshot of the registry after a run.
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: Database{Driver: "sqlite3", DSN: "uow.db"},
		Pool:     Pool{MaxOpen: sqlconn.DefaultMaxOpen, AcquireTimeout: uow.DefaultAcquireTimeout},
		Session:  Session{Autoflush: true, InsertBatching: true},
		Log:      Log{Level: "info", Format: "text"},
		Metrics:  Metrics{Namespace: "uow"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := sqlcompile.DialectFor(c.Database.Driver); err != nil {
		errs = append(errs, fmt.Errorf("database.driver: %w", err))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Pool.MaxOpen <= 0 {
		errs = append(errs, fmt.Errorf("pool.max_open must be positive, got %d", c.Pool.MaxOpen))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.acquire_timeout must be positive, got %s", c.Pool.AcquireTimeout))
	}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q must be one of %v", c.Log.Level, validLevels))
	}
	if !slices.Contains(validFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be one of %v", c.Log.Format, validFormats))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics.namespace is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// PoolOptions returns the sqlconn options for the configured database.
func (c Config) PoolOptions(rec metrics.Recorder) sqlconn.Options {
	return sqlconn.Options{
		Driver:   c.Database.Driver,
		DSN:      c.Database.DSN,
		MaxOpen:  c.Pool.MaxOpen,
		Recorder: rec,
	}
}

// SessionOptions returns the factory options for the configured session
// behavior.
func (c Config) SessionOptions(logger *slog.Logger, rec metrics.Recorder) []uow.Option {
	return []uow.Option{
		uow.WithLogger(logger),
		uow.WithRecorder(rec),
		uow.WithAutoflush(c.Session.Autoflush),
		uow.WithExpireOnCommit(c.Session.ExpireOnCommit),
		uow.WithInsertBatching(c.Session.InsertBatching),
		uow.WithAcquireTimeout(c.Pool.AcquireTimeout),
	}
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger builds a logger writing to w in the configured format.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
