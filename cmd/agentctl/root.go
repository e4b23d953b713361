// Package main implements the agentctl command-line entry point: run,
// phase, serve, status, rules validate, and version.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentctl/agentctl/internal/config"
)

var (
	cfgFile string
	output  string
	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Supervised execution controller for long-running agent processes",
	Long: `agentctl runs interactive command-line agent processes (claude, codex,
and similar tools) under a supervising process that attaches to each
child's PTY, classifies its output against a declarative rule set, and
intervenes when a rule fires.

Core Commands:
  run            Submit a single task and wait for its outcome
  phase          Run a research/planning/execution/integration cycle
  serve          Start the supervisor and control plane as a daemon
  status         Query a running daemon's status
  rules validate Validate a rule set file
  version        Show version information`,
	SilenceUsage: true,
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .agentctl.yaml, then ~/.agentctl/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug-level logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Print what would happen without submitting any task")
}

// GetOutput returns the output format for use by subcommands.
func GetOutput() string { return output }

// loadConfig resolves configuration honoring --config, env, and flag
// overrides supplied by the calling subcommand.
func loadConfig(overrides *config.Config) (*config.Config, error) {
	if cfgFile != "" {
		if err := os.Setenv("AGENTCTL_CONFIG", cfgFile); err != nil {
			return nil, fmt.Errorf("set AGENTCTL_CONFIG: %w", err)
		}
	}
	cfg, err := config.Load(overrides)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}
