package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/dispatchd/internal/actions"
	"github.com/dayuer/dispatchd/internal/rulespec"
)

var validateCmd = &cobra.Command{
	Use:   "validate <rules.yaml>",
	Short: "Check a rules file without starting anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	f, err := rulespec.Load(args[0])
	if err != nil {
		return err
	}
	if err := rulespec.Validate(f, actions.NewResolver(actions.WithStorer(discardStorer{}))); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fmt.Printf("✅ %s: %d channels, %d rules\n", args[0], len(f.Channels), len(f.Rules))
	printRules(f)
	return nil
}
