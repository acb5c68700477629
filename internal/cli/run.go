package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/uow/internal/harness"
	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/sqlcompile"
	"github.com/roach88/uow/internal/sqlconn"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Database is a DSN to run against instead of a fresh temporary
	// SQLite file per scenario.
	Database string

	// MetricsOut is a Prometheus textfile written after the run.
	MetricsOut string
}

// RunSummary is the outcome of a run over one or more scenarios.
type RunSummary struct {
	Scenarios []*harness.Result `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Replay session scenarios against a database",
		Long: `Replay YAML session scenarios: each step drives a session (add, set,
delete, get, query, flush, commit, rollback, ...) and every transaction
boundary and statement is traced. Assertions are checked against the
database afterwards.

Session behavior (autoflush, expire_on_commit, insert_batching) comes from
the config file unless a scenario overrides it.

Exit codes:
  0 - all scenarios passed
  1 - one or more scenarios failed
  2 - command error (unreadable config, unreachable database, ...)

Examples:
  uow run ./scenarios/parent_child.yaml
  uow run ./scenarios/*.yaml --metrics-out ./uow.prom
  uow run ./scenarios/rollback.yaml --verbose --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database DSN (default: a fresh SQLite file per scenario)")
	cmd.Flags().StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to this textfile (overrides metrics.textfile)")

	return cmd
}

func runScenarios(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	textfile := cfg.Metrics.Textfile
	if opts.MetricsOut != "" {
		textfile = opts.MetricsOut
	}
	var rec metrics.Recorder = metrics.Noop{}
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled || textfile != "" {
		prom, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			return fail(f, ExitCommandError, "failed to set up metrics", err)
		}
		rec = prom
	}

	hopts := harness.Options{
		Driver:         opts.Driver,
		DSN:            opts.Database,
		Logger:         logger,
		Recorder:       rec,
		Trace:          traceStatements(logger),
		SessionOptions: cfg.SessionOptions(logger, rec),
	}
	if hopts.DSN != "" && hopts.Driver == "" {
		hopts.Driver = cfg.Database.Driver
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := RunSummary{Scenarios: make([]*harness.Result, 0, len(paths)), Total: len(paths)}
	for _, path := range paths {
		result, err := runScenario(ctx, path, hopts)
		if err != nil {
			if ctx.Err() != nil {
				return fail(f, ExitCommandError, "run interrupted", err)
			}
			result = harness.NewResult(filepath.Base(path))
			result.AddFailure("%v", err)
		}
		summary.Scenarios = append(summary.Scenarios, result)
		if result.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		logger.Info("scenario finished", "scenario", result.Name, "pass", result.Pass, "statements", len(result.Trace))
		if !f.JSON() {
			printScenario(f, result)
		}
	}

	if textfile != "" {
		if err := metrics.WriteTextfile(textfile, reg); err != nil {
			return fail(f, ExitCommandError, "failed to write metrics", err)
		}
		f.VerboseLog("Wrote metrics to %s", textfile)
	}

	if summary.Failed > 0 {
		msg := fmt.Sprintf("%d of %d scenario(s) failed", summary.Failed, summary.Total)
		if f.JSON() {
			_ = f.Failure(summary, "SCENARIO_FAILED", msg)
		} else {
			fmt.Fprintf(f.Writer, "\n%d passed, %d failed\n", summary.Passed, summary.Failed)
		}
		e := NewExitError(ExitFailure, msg)
		e.reported = true
		return e
	}

	if f.JSON() {
		return f.Success(summary)
	}
	fmt.Fprintf(f.Writer, "\n%d passed, %d failed\n", summary.Passed, summary.Failed)
	return nil
}

func runScenario(ctx context.Context, path string, opts harness.Options) (*harness.Result, error) {
	sc, err := harness.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return harness.Run(ctx, sc, opts)
}

func printScenario(f *OutputFormatter, result *harness.Result) {
	if result.Pass {
		fmt.Fprintf(f.Writer, "✓ %s\n", result.Name)
	} else {
		fmt.Fprintf(f.Writer, "✗ %s\n", result.Name)
		for _, msg := range result.Failures {
			fmt.Fprintf(f.Writer, "  %s\n", msg)
		}
	}
	if f.Verbose {
		for _, ev := range result.Trace {
			fmt.Fprintf(f.Writer, "    %s\n", ev)
		}
	}
}

// traceStatements logs every executed statement at debug level.
func traceStatements(logger *slog.Logger) sqlconn.TraceFunc {
	return func(stmt sqlcompile.Statement, res sqlconn.Result, err error, elapsed time.Duration) {
		if err != nil {
			logger.Debug("statement failed", "kind", stmt.Kind, "sql", stmt.SQL, "elapsed", elapsed, "error", err)
			return
		}
		logger.Debug("statement", "kind", stmt.Kind, "sql", stmt.SQL, "rows", res.RowsAffected, "elapsed", elapsed)
	}
}
