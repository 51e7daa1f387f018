package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	logger := observability.NewLogger("migrate")
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Fatal().Err(err).Msg("migrate failed")
	}
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	var dsn, dir string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or roll back the PerpSettle schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", envOrDefault("PERP_POSTGRES_DSN", "postgres://localhost:5432/perpsettle?sslmode=disable"), "Postgres connection string")
	root.PersistentFlags().StringVar(&dir, "dir", envOrDefault("PERP_MIGRATIONS_DIR", "migrations"), "migrations directory")

	withMigrator := func(fn func(context.Context, *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return fn(cmd.Context(), persistence.NewMigrator(db, os.DirFS(dir), logger))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Int("applied", n).Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
	)
	return root
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
