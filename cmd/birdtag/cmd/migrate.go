package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/birdtag/birdtag/internal/config"
	"github.com/birdtag/birdtag/internal/db"
	"github.com/birdtag/birdtag/internal/logger"
)

func MigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, true)
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, false)
		},
	})

	return migrate
}

func runMigrate(cmd *cobra.Command, up bool) error {
	cfg := config.Load()
	logger.Init(cfg.IsDevelopment(), cfg.SentryDSN, cfg.AppEnv)

	conn, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		closeErr := db.Close(conn)
		if closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	if up {
		return db.RunMigrations(cmd.Context(), conn.DB, cfg.DBDriver)
	}
	return db.MigrateDown(cmd.Context(), conn.DB, cfg.DBDriver)
}
