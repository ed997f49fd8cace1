package main

import (
	"fmt"
	"os"

	"github.com/loomdev/loom/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom — multi-tenant AI code-generation pipeline service",
	Long:  "Loom runs the four-step generation pipeline: analysis → user stories → code skeleton → test cases",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loom version %s\n", version)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			return fmt.Errorf("--config flag is required")
		}

		_, err := config.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config validation failed: %v\n", err)
			return err
		}

		fmt.Printf("Config validation passed: %s\n", configPath)
		return nil
	},
}

func main() {
	// Register flags.
	validateCmd.Flags().StringP("config", "c", "", "Path to config file")
	_ = validateCmd.MarkFlagRequired("config")

	serveCmd.Flags().StringP("config", "c", "loom.yaml", "Path to config file")
	serveCmd.Flags().IntP("port", "p", 0, "Override server port")

	migrateCmd.Flags().StringP("config", "c", "loom.yaml", "Path to config file")

	doctorCmd.Flags().StringP("config", "c", "loom.yaml", "Path to config file")

	apikeyCmd.Flags().StringP("config", "c", "loom.yaml", "Path to config file")
	apikeyCmd.Flags().String("tenant", "", "Tenant the key belongs to")
	apikeyCmd.Flags().String("user", "", "User the key acts as")
	apikeyCmd.Flags().String("role", "member", "Role granted to the key (admin|member)")
	_ = apikeyCmd.MarkFlagRequired("tenant")
	_ = apikeyCmd.MarkFlagRequired("user")

	// Register all commands.
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(apikeyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
