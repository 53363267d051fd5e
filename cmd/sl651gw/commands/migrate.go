package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyird/iot-manager-sub001/internal/config"
	"github.com/hyird/iot-manager-sub001/internal/logger"
	"github.com/hyird/iot-manager-sub001/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the gateway's store.

This applies the gateway's GORM models to the configured database (sqlite
or postgres). It is safe to run repeatedly; opening the store always
auto-migrates.

Examples:
  sl651gw migrate
  sl651gw migrate --config /etc/sl651gw/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("running database migrations", "type", cfg.Database.Type)

	st, err := store.Open(store.Config{
		Type:         store.DatabaseType(cfg.Database.Type),
		SQLitePath:   cfg.Database.SQLitePath,
		PostgresDSN:  cfg.Database.PostgresDSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if _, err := st.ListLinks(context.Background()); err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database type: %s)\n", cfg.Database.Type)
	return nil
}
