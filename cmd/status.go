package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dayuer/dispatchd/internal/rulespec"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatchd status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("📮 dispatchd Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Port: %d\n", cfg.Server.Port)
	fmt.Printf("Tick: %s\n", cfg.Dispatcher.TickInterval())
	fmt.Printf("Journal: %s\n", journalLabel(cfg))

	if pid, ok := getRunningPID(); ok {
		fmt.Printf("Process: running (PID %d) ✅\n", pid)
	} else {
		fmt.Println("Process: not running ⚫")
	}

	rulesPath := cfg.Dispatcher.RulesFile
	if rulesPath == "" {
		rulesPath = os.Getenv("DISPATCHD_RULES")
	}
	if rulesPath == "" {
		fmt.Println("\nRules: none configured")
		return nil
	}

	f, err := rulespec.Load(rulesPath)
	if err != nil {
		fmt.Printf("\nRules: %s ✗ (%v)\n", rulesPath, err)
		return nil
	}
	fmt.Printf("\nRules: %s\n", rulesPath)
	printRules(f)
	return nil
}

// printRules prints the channels of f and the enabled rules attached to each.
func printRules(f *rulespec.File) {
	declared := make(map[string]bool)
	for _, c := range f.Channels {
		declared[c.ID] = true
		fmt.Printf("  %s\n", c.ID)
		for _, rs := range f.RulesFor(c.ID) {
			printRule(rs)
		}
	}
	for _, id := range f.RuleChannels() {
		if declared[id] {
			continue
		}
		fmt.Printf("  %s (not declared, rules stay pending)\n", id)
		for _, rs := range f.RulesFor(id) {
			printRule(rs)
		}
	}
}

func printRule(rs rulespec.RuleSpec) {
	action := rs.Action.Type
	if action == "" {
		action = "log"
	}
	fmt.Printf("    ✓ %s → %s\n", rs.ID, action)
}
