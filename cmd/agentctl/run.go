package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/rules"
	"github.com/agentctl/agentctl/internal/supervisor"
	"github.com/agentctl/agentctl/internal/types"
)

var (
	runPriority int
	runPhase    string
	runTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Submit a single task to a fresh supervisor and wait for its outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Task priority (higher runs first)")
	runCmd.Flags().StringVar(&runPhase, "phase-scope", "", "Phase scope label attached to this task")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort and kill the task if it does not finish within this duration (0 = no timeout)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	if dryRun {
		fmt.Printf("would submit prompt %q (priority=%d, phase_scope=%q)\n", prompt, runPriority, runPhase)
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

	taskID, err := sv.Submit(prompt, supervisor.SubmitOptions{
		Priority:   runPriority,
		PhaseScope: runPhase,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	task, err := waitForTerminal(sv, taskID, runTimeout)
	if err != nil {
		return err
	}
	return printTaskResult(task)
}

// waitForTerminal polls the supervisor for task's terminal state. Polling
// (rather than subscribing to the event log) keeps `run` independent of a
// live control-plane connection.
func waitForTerminal(sv *supervisor.Supervisor, taskID string, timeout time.Duration) (*types.Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = sv.Kill(taskID, "run: timeout exceeded")
			task, _ := sv.Task(taskID)
			return task, fmt.Errorf("task %s did not finish within %s", taskID, timeout)
		case <-ticker.C:
			task, ok := sv.Task(taskID)
			if !ok {
				return nil, fmt.Errorf("task %s vanished from supervisor state", taskID)
			}
			if task.State.Terminal() {
				return task, nil
			}
		}
	}
}

func printTaskResult(task *types.Task) error {
	if GetOutput() == "json" {
		data, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("task %s: %s\n", task.ID, task.State)
	}
	if task.State == types.TaskFailed {
		return fmt.Errorf("task failed")
	}
	return nil
}

// loadRuleSetOptional loads path's rule set, or returns a nil Set if path
// does not exist. A rule set is recommended, not required.
func loadRuleSetOptional(path string) (*rules.Set, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return rules.Load(path)
}
