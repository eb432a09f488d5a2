package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/migration"
	"github.com/smallbiznis/marketpulse/pkg/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type MigrateOptions struct {
	*RootOptions
	Steps int
}

type migrateResult struct {
	Action  string `json:"action" yaml:"action"`
	Dialect string `json:"dialect" yaml:"dialect"`
	Version uint   `json:"version,omitempty" yaml:"version,omitempty"`
	Dirty   bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long: `Apply pending migrations.

Postgres runs the embedded SQL migrations through lib/pq; other dialects are
auto-migrated from the gorm models.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DBType != db.DialectPostgres {
				conn, err := openGorm(cfg)
				if err != nil {
					return err
				}
				if err := migration.Apply(conn); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, migrateResult{Action: "up", Dialect: cfg.DBType})
			}
			return withPostgres(cmd.Context(), cfg, func(sqlDB *sql.DB) error {
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
				version, dirty, err := migration.Version(sqlDB)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, migrateResult{Action: "up", Dialect: cfg.DBType, Version: version, Dirty: dirty})
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DBType != db.DialectPostgres {
				return fmt.Errorf("migrate down requires postgres, got %s", cfg.DBType)
			}
			return withPostgres(cmd.Context(), cfg, func(sqlDB *sql.DB) error {
				if err := migration.RollbackMigrations(sqlDB, opts.Steps); err != nil {
					return err
				}
				version, dirty, err := migration.Version(sqlDB)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, migrateResult{Action: "down", Dialect: cfg.DBType, Version: version, Dirty: dirty})
			})
		},
	}
	down.Flags().IntVar(&opts.Steps, "steps", 1, "number of migrations to revert")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DBType != db.DialectPostgres {
				return fmt.Errorf("migrate version requires postgres, got %s", cfg.DBType)
			}
			return withPostgres(cmd.Context(), cfg, func(sqlDB *sql.DB) error {
				v, dirty, err := migration.Version(sqlDB)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, migrateResult{Action: "version", Dialect: cfg.DBType, Version: v, Dirty: dirty})
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func withPostgres(ctx context.Context, cfg config.Config, fn func(*sql.DB) error) error {
	sqlDB, err := sql.Open("postgres", db.PostgresURL(cfg))
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	return fn(sqlDB)
}

func openGorm(cfg config.Config) (*gorm.DB, error) {
	dialector, err := db.Dialect(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(dialector, &gorm.Config{})
}
