package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomdev/loom/internal/auth"
	"github.com/loomdev/loom/internal/config"
	"github.com/loomdev/loom/internal/storage"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Mint an API key for a tenant user",
	Long:  "Creates an API key and prints the bearer token once. Only the secret's hash is stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		tenant, _ := cmd.Flags().GetString("tenant")
		user, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")

		if role != "admin" && role != "member" {
			return fmt.Errorf("--role must be 'admin' or 'member', got %q", role)
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		token, err := auth.Mint(cmd.Context(), storage.NewAPIKeyStore(db), auth.Identity{
			UserID:   user,
			TenantID: tenant,
			Role:     role,
		})
		if err != nil {
			return fmt.Errorf("mint key: %w", err)
		}

		fmt.Println("API key created. Store this token now; it cannot be shown again.")
		fmt.Println()
		fmt.Printf("  %s\n", token)
		return nil
	},
}
