package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/log"
	phasectl "github.com/agentctl/agentctl/internal/phase"
	"github.com/agentctl/agentctl/internal/supervisor"
)

var phaseCmd = &cobra.Command{
	Use:   "phase [initial-prompt]",
	Short: "Run a research/planning/execution/integration cycle",
	Long: `phase drives the default four-phase cycle (research, planning,
execution, integration) through a fresh supervisor, passing each phase's
artifact output as the next phase's chained input.`,
	Args: cobra.ExactArgs(1),
	RunE: runPhase,
}

func init() {
	rootCmd.AddCommand(phaseCmd)
}

func runPhase(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	if dryRun {
		fmt.Printf("would run phase cycle for prompt %q\n", prompt)
		return nil
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := log.New(cfg.Verbose)
	defer logger.Sync()

	ruleSet, err := loadRuleSetOptional(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	events, err := eventlog.Open(cfg.EventLogPath, cfg.EventLogMaxBytes)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	sv := supervisor.New(*cfg, logger, events, ruleSet, workDir)
	defer sv.Shutdown(5 * time.Second)

	controller := phasectl.New(sv, logger, phasectl.DefaultSequence())
	result, err := controller.Run(cmd.Context(), prompt)
	if err != nil && result.Runs == nil {
		return fmt.Errorf("phase cycle: %w", err)
	}

	if printErr := printCycleResult(result); printErr != nil {
		return printErr
	}
	if result.Failed {
		return fmt.Errorf("phase cycle failed in %q", result.FailedPhase)
	}
	return nil
}

func printCycleResult(result phasectl.CycleResult) error {
	if GetOutput() == "json" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal cycle result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	for _, run := range result.Runs {
		fmt.Printf("%-12s %s\n", run.PhaseName, run.Result)
		for _, v := range run.Violations {
			fmt.Printf("  violation: %s used forbidden tool %q\n", v.TaskID, v.Tool)
		}
	}
	if result.Degraded {
		fmt.Println("cycle completed in degraded mode")
	}
	return nil
}
