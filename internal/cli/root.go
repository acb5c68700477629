package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/uow/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// ConfigPath names a YAML config file; empty uses the defaults.
	ConfigPath string

	// Driver overrides database.driver from the config.
	Driver string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the uow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "uow",
		Short: "Unit-of-work sessions over SQL databases",
		Long: `uow is a unit of work for SQL databases: a session tracks changes to
mapped records and writes them to the database in dependency order, inside
one transaction per session.

Entities are declared in CUE. Use the schema commands to check and render
them, migrate to create their tables, and run to replay session scenarios
against a database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "database driver (sqlite3|sqlite|pgx)")

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if o.Driver != "" {
		cfg.Database.Driver = o.Driver
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}
