package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/vietddude/txreplay/internal/control"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		err := errors.New("database.url is not set")
		slog.Error("Cannot migrate", "error", err)
		return err
	}

	if err := control.Migrate(context.Background(), cfg.Database); err != nil {
		slog.Error("Migration failed", "error", err)
		return err
	}
	slog.Info("Migrations applied")
	return nil
}
