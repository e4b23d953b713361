//go:build unix

package phase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentctl/internal/config"
	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/supervisor"
	"github.com/agentctl/agentctl/internal/types"
)

func newTestController(t *testing.T, sequence []types.PhaseDef) (*Controller, *supervisor.Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := *config.Default()
	cfg.MaxWorkers = 2
	cfg.Child = config.ChildConfig{Command: "sh", Args: []string{"-c"}, DeliveryStrategy: "argv", TermWidth: 80, TermHeight: 24}
	cfg.HeartbeatIntervalMS = 60000
	cfg.EventLogPath = filepath.Join(dir, "events.jsonl")

	events, err := eventlog.Open(cfg.EventLogPath, cfg.EventLogMaxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	sv := supervisor.New(cfg, log.Nop(), events, nil, dir)
	return New(sv, log.Nop(), sequence), sv, dir
}

func TestRunSinglePhaseSucceedsOnArtifact(t *testing.T) {
	seq := []types.PhaseDef{{
		Name:            "research",
		DurationMinutes: 1,
		OutputArtifact:  "findings.md",
		ForbiddenTools:  map[string]bool{"write": true},
	}}
	c, _, dir := newTestController(t, seq)
	c.pollTick = 20 * time.Millisecond

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "findings.md"), []byte("some findings here"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Run(ctx, "investigate the bug")
	require.NoError(t, err)
	require.Len(t, result.Runs, 1)
	require.Equal(t, types.PhaseSuccess, result.Runs[0].Result)
	require.False(t, result.Failed)
}

func TestRunPhaseTimesOutWithoutArtifact(t *testing.T) {
	seq := []types.PhaseDef{{
		Name:            "planning",
		DurationMinutes: 0, // 0 * time.Minute deadline fires almost immediately
		OutputArtifact:  "task-plan.json",
	}}
	c, _, _ := newTestController(t, seq)
	c.pollTick = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Run(ctx, "plan the work")
	require.Error(t, err)
	require.True(t, result.Failed)
	require.Equal(t, "planning", result.FailedPhase)
	require.Equal(t, types.PhaseTimeout, result.Runs[0].Result)
}

func TestRunAbortsSequenceAfterFailure(t *testing.T) {
	seq := []types.PhaseDef{
		{Name: "research", DurationMinutes: 0, OutputArtifact: "nope.md"},
		{Name: "planning", DurationMinutes: 1, OutputArtifact: "task-plan.json"},
	}
	c, _, _ := newTestController(t, seq)
	c.pollTick = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Run(ctx, "goal")
	require.Error(t, err)
	require.Len(t, result.Runs, 1, "the second phase must not run after the first fails")
}

func TestOnToolCallRecordsViolationForForbiddenTool(t *testing.T) {
	seq := []types.PhaseDef{{
		Name:           "research",
		ForbiddenTools: map[string]bool{"write": true},
	}}
	c, sv, _ := newTestController(t, seq)

	id, err := sv.Submit("sleep 2", supervisor.SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := sv.Task(id)
		return task.State == types.TaskRunning
	}, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	c.current = &seq[0]
	c.mu.Unlock()

	c.onToolCall("worker-1", id, map[string]any{"tool": "write", "args": map[string]any{"path": "x"}})

	c.mu.Lock()
	violCount := len(c.viol)
	c.mu.Unlock()
	require.Equal(t, 1, violCount)

	_ = sv.Kill(id, "cleanup")
}

func TestSplitPlanLines(t *testing.T) {
	plan := "- build the parser\n\n- wire the CLI\n  \n- write tests"
	lines := splitPlanLines(plan)
	require.Equal(t, []string{"build the parser", "wire the CLI", "write tests"}, lines)
}
