//go:build unix

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentctl/internal/config"
	"github.com/agentctl/agentctl/internal/ctlerr"
	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/types"
)

func shConfig(maxWorkers int) config.Config {
	cfg := *config.Default()
	cfg.MaxWorkers = maxWorkers
	cfg.Child = config.ChildConfig{
		Command:          "sh",
		Args:             []string{"-c"},
		DeliveryStrategy: "argv",
		TermWidth:        80,
		TermHeight:       24,
	}
	cfg.HeartbeatIntervalMS = 60000
	cfg.AcceptanceMinFileBytes = 5
	return cfg
}

func newTestSupervisor(t *testing.T, maxWorkers int) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := shConfig(maxWorkers)
	cfg.EventLogPath = filepath.Join(dir, "events.jsonl")
	events, err := eventlog.Open(cfg.EventLogPath, cfg.EventLogMaxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })
	return New(cfg, log.Nop(), events, nil, dir), dir
}

func TestSubmitEmptyPromptRejected(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	_, err := s.Submit("   ", SubmitOptions{})
	require.ErrorIs(t, err, ctlerr.ErrInvalidInput)
}

func TestSubmitBoundaryMaxWorkersPlusOne(t *testing.T) {
	s, _ := newTestSupervisor(t, 2)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Submit(fmt.Sprintf("sleep 1 # %d", i), SubmitOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assignedCount, queuedCount := 0, 0
	for _, id := range ids {
		task, ok := s.Task(id)
		require.True(t, ok)
		switch task.State {
		case types.TaskAssigned, types.TaskRunning:
			assignedCount++
		case types.TaskQueued:
			queuedCount++
		}
	}
	require.Equal(t, 2, assignedCount)
	require.Equal(t, 1, queuedCount)
}

func TestHappyPathCompletes(t *testing.T) {
	s, dir := newTestSupervisor(t, 1)
	id, err := s.Submit("echo hi > hello.txt; echo padding-bytes-to-clear-min-size >> hello.txt", SubmitOptions{
		Acceptance: types.AcceptanceCriteria{FilesExpected: []string{"hello.txt"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := s.Task(id)
		return task.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	task, _ := s.Task(id)
	require.Equal(t, types.TaskComplete, task.State, "result: %+v", task.Result)
	_, statErr := os.Stat(filepath.Join(dir, "hello.txt"))
	require.NoError(t, statErr)
}

func TestDeceptiveClaimFailsTask(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	id, err := s.Submit("echo 'I have successfully created output.txt for you'", SubmitOptions{
		Acceptance: types.AcceptanceCriteria{FilesExpected: []string{"output.txt"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := s.Task(id)
		return task.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	task, _ := s.Task(id)
	require.Equal(t, types.TaskFailed, task.State)
}

func TestKillIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	id, err := s.Submit("sleep 2", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Kill(id, "test"))
	task, _ := s.Task(id)
	require.Equal(t, types.TaskFailed, task.State)

	require.NoError(t, s.Kill(id, "test-again"))
}

func TestInterveneRequiresRunningTask(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	id, err := s.Submit("sleep 2", SubmitOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, _ := s.Task(id)
		return task.State == types.TaskRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Intervene(id, "hello"))

	err = s.Intervene("unknown-task", "hello")
	require.ErrorIs(t, err, ctlerr.ErrNotFound)

	_ = s.Kill(id, "cleanup")
}

func TestStatusReportsQueueDepthAndWorkers(t *testing.T) {
	s, _ := newTestSupervisor(t, 2)
	status := s.Status()
	require.Len(t, status.Workers, 2)
}

func TestStatusRecentTasksSortedNewestFirst(t *testing.T) {
	s, _ := newTestSupervisor(t, 1)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Submit(fmt.Sprintf("sleep 2 # %d", i), SubmitOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond)
	}

	status := s.Status()
	require.Len(t, status.RecentTasks, 5)
	for i := 1; i < len(status.RecentTasks); i++ {
		require.False(t, status.RecentTasks[i].CreatedAt.After(status.RecentTasks[i-1].CreatedAt),
			"recent tasks must be sorted newest first")
	}
	require.Equal(t, ids[len(ids)-1], status.RecentTasks[0].ID)

	for _, id := range ids {
		_ = s.Kill(id, "cleanup")
	}
}
