package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/screentime/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Screentime configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Printf("✅ Configuration is valid: %s\n", configPath)

	if validateDump {
		bold := color.New(color.Bold)

		bold.Println("\nServer")
		fmt.Printf("  api:     %s:%d\n", cfg.Server.BindAddress, cfg.Server.APIPort)
		fmt.Printf("  metrics: %s:%d\n", cfg.Server.BindAddress, cfg.Server.MetricsPort)

		bold.Println("External services")
		fmt.Printf("  authority: %s\n", cfg.Authority.BaseURL)
		fmt.Printf("  remote:    %s\n", cfg.Remote.BaseURL)

		bold.Println("Detection")
		fmt.Printf("  mode:          %s\n", cfg.Detection.Mode)
		fmt.Printf("  scan interval: %s\n", cfg.Detection.ScanInterval)
		if len(cfg.Detection.ExtraPatterns) > 0 {
			fmt.Printf("  extra patterns: %v\n", cfg.Detection.ExtraPatterns)
		}

		bold.Println("Quota")
		fmt.Printf("  check interval:     %s\n", cfg.Quota.CheckInterval)
		fmt.Printf("  warning thresholds: %v minutes\n", cfg.Quota.WarningThresholds)
		fmt.Printf("  kill on violation:  %t\n", cfg.Quota.KillOnViolation)
		fmt.Printf("  grace period:       %s\n", cfg.Quota.GracePeriod)

		bold.Println("Storage")
		fmt.Printf("  type: %s\n", cfg.Storage.Type)
		if cfg.Storage.Type == "redis" {
			fmt.Printf("  redis: %s:%d (db %d)\n", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.Redis.DB)
		} else {
			fmt.Printf("  path: %s\n", cfg.Storage.Path)
		}

		bold.Println("Classifier")
		fmt.Printf("  cache size:   %d\n", cfg.Classifier.CacheSize)
		fmt.Printf("  custom rules: %d\n", len(cfg.Classifier.CustomRules))
	}

	return nil
}
