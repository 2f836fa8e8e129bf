package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/classify"
	"github.com/goodtune/screentime/internal/config"
)

var (
	checkActivity string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check classification and quota decisions interactively",
	Long:  `Check how Screentime would classify a website or what the quota authority currently reports for a child.`,
}

var checkClassifyCmd = &cobra.Command{
	Use:   "classify DOMAIN",
	Short: "Check website classification",
	Long:  `Show the category, confidence, and restriction flag Screentime assigns to a domain or URL.`,
	Example: `  screentime check classify youtube.com
  screentime -c config.yaml check classify "https://www.roblox.com/games"`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckClassify,
}

var checkQuotaCmd = &cobra.Command{
	Use:   "quota CHILD_ID",
	Short: "Check quota authority state",
	Long:  `Query the external quota authority for a child's current allowance without consuming any time.`,
	Example: `  screentime check quota child-1
  screentime check quota child-1 --activity category:gaming`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckQuota,
}

func init() {
	checkQuotaCmd.Flags().StringVar(&checkActivity, "activity", authority.ActivityInternet, "Activity type to check (internet or category:<name>)")

	checkCmd.AddCommand(checkClassifyCmd)
	checkCmd.AddCommand(checkQuotaCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckClassify(cmd *cobra.Command, args []string) error {
	input := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	customRules := make(map[string]classify.Category, len(cfg.Classifier.CustomRules))
	for domain, category := range cfg.Classifier.CustomRules {
		customRules[domain] = classify.Category(category)
	}
	classifier := classify.New(classify.Config{
		CacheSize:   cfg.Classifier.CacheSize,
		CustomRules: customRules,
	}, logger)

	result := classifier.Classify(input)

	bold := color.New(color.Bold)
	fmt.Printf("Input:      %s\n", input)
	fmt.Printf("Domain:     %s\n", classify.Normalize(input))
	bold.Printf("Category:   %s (%s)\n", result.Category, result.DisplayName)
	fmt.Printf("Confidence: %.2f\n", result.Confidence)

	if result.Restricted {
		color.New(color.FgRed, color.Bold).Println("Restricted: yes")
	} else {
		fmt.Println("Restricted: no")
	}

	return nil
}

func runCheckQuota(cmd *cobra.Command, args []string) error {
	childID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	client := authority.NewHTTPClient(authority.HTTPConfig{
		BaseURL: cfg.Authority.BaseURL,
		Timeout: parseDuration(cfg.Authority.Timeout, 10*time.Second),
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	allowance, err := client.CheckActivity(ctx, authority.CheckRequest{
		ChildID:      childID,
		ActivityType: checkActivity,
		CheckOnly:    true,
	})
	if err != nil {
		return fmt.Errorf("authority check failed: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Printf("Child:    %s\n", childID)
	fmt.Printf("Activity: %s\n", checkActivity)

	switch {
	case allowance.IsBanned:
		red.Println("State:    BANNED")
		if allowance.BanReason != "" {
			fmt.Printf("Reason:   %s\n", allowance.BanReason)
		}
	case allowance.IsActivityBlocked:
		red.Println("State:    BLOCKED")
	case !allowance.Allowed:
		red.Println("State:    NOT ALLOWED")
	case allowance.RemainingSeconds == authority.Unlimited:
		green.Println("State:    UNLIMITED")
	case allowance.RemainingSeconds <= 0:
		red.Println("State:    EXHAUSTED")
	case allowance.RemainingSeconds <= 5*60:
		yellow.Printf("State:    %s remaining\n", time.Duration(allowance.RemainingSeconds)*time.Second)
	default:
		green.Printf("State:    %s remaining\n", time.Duration(allowance.RemainingSeconds)*time.Second)
	}

	return nil
}
