package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/config"
	"github.com/loomdev/loom/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check environment and configuration health",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		allOK := true

		fmt.Println("=== Loom Doctor ===")
		fmt.Println()

		// Check config file.
		var cfg *config.Config
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("[OK] config file found: %s\n", configPath)
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Printf("[FAIL] config validation: %v\n", err)
				allOK = false
			} else {
				fmt.Println("[OK] config is valid")
			}
		} else {
			fmt.Printf("[FAIL] config file not found: %s\n", configPath)
			allOK = false
		}

		if cfg != nil {
			// Check database.
			db, err := storage.Open(cfg.Database.Path)
			if err != nil {
				fmt.Printf("[FAIL] database: %v\n", err)
				allOK = false
			} else {
				if err := db.Ping(); err != nil {
					fmt.Printf("[FAIL] database ping: %v\n", err)
					allOK = false
				} else {
					fmt.Printf("[OK] database reachable: %s\n", cfg.Database.Path)
				}
				db.Close()
			}

			// Check billing service.
			biller := billing.New(billing.Config{BaseURL: cfg.Billing.BaseURL, Timeout: cfg.Billing.Timeout})
			_, err = biller.GetBalance(cmd.Context(), "doctor")
			switch {
			case err == nil:
				fmt.Printf("[OK] billing service reachable: %s\n", cfg.Billing.BaseURL)
			case errors.Is(err, billing.ErrServiceUnavailable):
				fmt.Printf("[FAIL] billing service unreachable: %s\n", cfg.Billing.BaseURL)
				allOK = false
			default:
				// A business-level error still means the service answered.
				fmt.Printf("[OK] billing service answered: %s\n", cfg.Billing.BaseURL)
			}

			// Check export directory is writable.
			if err := os.MkdirAll(cfg.Export.Dir, 0755); err != nil {
				fmt.Printf("[FAIL] export directory: %v\n", err)
				allOK = false
			} else {
				fmt.Printf("[OK] export directory writable: %s\n", cfg.Export.Dir)
			}

			// Git token is optional; git-sync jobs fail without it.
			if cfg.Git.Token == "" {
				fmt.Println("[WARN] git.token not set; git-sync jobs will fail to push")
			} else {
				fmt.Println("[OK] git token configured")
			}
		}

		fmt.Println()
		if allOK {
			fmt.Println("All checks passed!")
			return nil
		}
		fmt.Println("Some checks failed. Please fix the issues above.")
		return fmt.Errorf("doctor found problems")
	},
}
