package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/uow/internal/metrics"
	"github.com/roach88/uow/internal/sqlconn"
)

// MigrateResult lists the tables a migration ensured.
type MigrateResult struct {
	Driver string   `json:"driver"`
	Tables []string `json:"tables"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate <schema-dir>",
		Short: "Create the tables of a schema",
		Long: `Create every table of a schema that does not exist yet, in one
transaction. Existing tables are left untouched.

The database comes from the config file (database.driver, database.dsn);
--db and --driver override it.

Examples:
  uow migrate ./schema --db ./app.db
  uow migrate ./schema --driver pgx --db postgres://localhost/app`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, args[0], dsn, cmd)
		},
	}
	cmd.Flags().StringVar(&dsn, "db", "", "database DSN (overrides database.dsn)")
	return cmd
}

func runMigrate(opts *RootOptions, dir, dsn string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	s, err := loadSchema(f, dir)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("opening database", "driver", cfg.Database.Driver)
	pool, err := sqlconn.Open(ctx, cfg.PoolOptions(metrics.Noop{}))
	if err != nil {
		return fail(f, ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Error("error closing database", "error", cerr)
		}
	}()

	if err := pool.Migrate(ctx, s); err != nil {
		return fail(f, ExitCommandError, "migration failed", err)
	}

	result := MigrateResult{Driver: cfg.Database.Driver}
	for _, e := range s.Entities() {
		result.Tables = append(result.Tables, e.Table)
	}
	logger.Info("migration complete", "tables", len(result.Tables))

	if f.JSON() {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "✓ Migrated %d tables\n", len(result.Tables))
	return nil
}
