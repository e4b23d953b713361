package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentctl/agentctl/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate rule set files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <rules-file>",
	Short: "Validate a rule set file: id uniqueness, severity enum, regex compile",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesValidate,
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	report := rules.Validate(args[0])

	if GetOutput() == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal validation report: %w", err)
		}
		fmt.Println(string(data))
	} else if report.Valid {
		fmt.Println("valid")
	} else {
		fmt.Println("invalid:")
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if !report.Valid {
		return fmt.Errorf("rule set failed validation")
	}
	return nil
}
