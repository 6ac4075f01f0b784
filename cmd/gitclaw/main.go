package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/gateway"
)

var rootCmd = &cobra.Command{
	Use:   "gitclaw",
	Short: "gitclaw - cost-aware agent dispatch for repository events",
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Process a single event delivery from a payload file",
	RunE:  runAction,
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the webhook server with batching and retention",
	RunE:  runBot,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spend, record counts, and limiter state",
	RunE:  runStatus,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a retention sweep immediately",
	RunE:  runSweep,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var eventPathFlag string

func init() {
	actionCmd.Flags().StringVarP(&eventPathFlag, "event-path", "e", "", "Path to the event payload file (defaults to GITHUB_EVENT_PATH)")
	rootCmd.AddCommand(actionCmd, botCmd, statusCmd, sweepCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAction(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Engine.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'gitclaw onboard' or set GITCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

	eventPath := eventPathFlag
	if eventPath == "" {
		eventPath = os.Getenv("GITHUB_EVENT_PATH")
	}
	if eventPath == "" {
		return fmt.Errorf("no event payload: pass --event-path or set GITHUB_EVENT_PATH")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.RunAction(context.Background(), eventPath)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Engine.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'gitclaw onboard' or set GITCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.RunBot(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Engine.Model)
	if key := cfg.Engine.APIKey; key != "" && len(key) > 8 {
		fmt.Printf("API Key: %s...%s\n", key[:4], key[len(key)-4:])
	} else if key != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Target hourly rate: $%.2f (ceiling $%.2f)\n", cfg.Cost.TargetHourlyRate, cfg.Cost.MaxHourlyRate)

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		EngineFactory: gateway.NoEngine,
	})
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer gw.Shutdown()

	st, err := gw.Status()
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	fmt.Printf("Hourly spend: $%.4f\n", st.HourlyRate)
	fmt.Printf("Total spend: $%.4f\n", st.TotalSpend)
	fmt.Printf("Limiter saturation: %.0f%%\n", st.LimiterSaturation*100)
	for status, n := range st.Counts {
		fmt.Printf("  %s: %d\n", status, n)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		EngineFactory: gateway.NoEngine,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()
	gw.RunSweep()
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data directory ready: %s\n", dataDir)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and webhook secret\n", cfgPath)
	fmt.Println("  2. Or set GITCLAW_API_KEY / GITCLAW_WEBHOOK_SECRET environment variables")
	fmt.Println("  3. Run 'gitclaw bot' or wire 'gitclaw action' into your workflow")

	return nil
}
