package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dayuer/dispatchd/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize dispatchd configuration and a sample rules file",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

const sampleRules = `# dispatchd rules. Reload a running server with: dispatchd serve reload
channels:
  - id: orders
    name: Incoming orders
  - id: audit

rules:
  # Batch up to 20 orders once the oldest has waited a second, at most
  # once every 5 seconds.
  - id: order-batches
    channel: orders
    match:
      type: order.*
    replace_by: [order_id]
    min_size: 1
    max_size: 20
    message_age:
      mode: least_one
      threshold: 1s
    consume_age:
      age: 5s
      never: true
    timeout: 1m
    action:
      type: forward
      channel: audit
    on_timeout:
      type: log
      template: "order {order_id} waiting for over a minute"

  - id: audit-log
    channel: audit
    action:
      type: log
`

func runOnboard(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	rulesPath := filepath.Join(filepath.Dir(configPath), "rules.yaml")

	if _, err := os.Stat(rulesPath); err == nil {
		fmt.Printf("Rules already exist at %s\n", rulesPath)
	} else {
		if err := os.MkdirAll(filepath.Dir(rulesPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(rulesPath, []byte(sampleRules), 0644); err != nil {
			return fmt.Errorf("creating rules: %w", err)
		}
		fmt.Printf("✓ Created rules at %s\n", rulesPath)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
	} else {
		cfg := config.DefaultConfig()
		cfg.Dispatcher.RulesFile = rulesPath
		if err := config.Save(cfg, configPath); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("✓ Created config at %s\n", configPath)
	}

	fmt.Println("\n📮 dispatchd is ready!")
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s\n", rulesPath)
	fmt.Println("  2. Check it: dispatchd validate " + rulesPath)
	fmt.Println("  3. Run: dispatchd serve")
	return nil
}
