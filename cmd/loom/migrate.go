package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomdev/loom/internal/config"
	"github.com/loomdev/loom/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  "Opens the configured SQLite database and applies the schema. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Open runs migrations; a second Migrate call proves idempotence.
		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		fmt.Printf("Migration complete. Database: %s\n", cfg.Database.Path)
		return nil
	},
}
