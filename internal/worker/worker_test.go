//go:build unix

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentctl/internal/config"
	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/ptyexec"
	"github.com/agentctl/agentctl/internal/types"
)

type nopSink struct{}

func (nopSink) Emit(types.Event) {}

func TestWorkerAssignCompletesCleanly(t *testing.T) {
	completed := make(chan Outcome, 1)
	w := New("w1", nopSink{}, log.Nop(),
		config.ChildConfig{Command: "sh", Args: []string{"-c"}, DeliveryStrategy: "argv"},
		ptyexec.Config{},
		Callbacks{
			OnComplete: func(workerID string, task *types.Task, outcome Outcome) {
				completed <- outcome
			},
		})

	task := &types.Task{ID: "t1", Prompt: "echo hi; exit 0"}
	require.NoError(t, w.Assign(task))
	require.Equal(t, types.WorkerBusy, w.State())
	require.Equal(t, "t1", w.CurrentTaskID())

	select {
	case outcome := <-completed:
		require.Equal(t, 0, outcome.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	require.Equal(t, types.WorkerIdle, w.State())
}

func TestWorkerAssignWhileBusyFails(t *testing.T) {
	completed := make(chan struct{}, 1)
	w := New("w1", nopSink{}, log.Nop(),
		config.ChildConfig{Command: "sh", Args: []string{"-c"}, DeliveryStrategy: "argv"},
		ptyexec.Config{},
		Callbacks{OnComplete: func(string, *types.Task, Outcome) { completed <- struct{}{} }})

	require.NoError(t, w.Assign(&types.Task{ID: "t1", Prompt: "sleep 0.3"}))
	err := w.Assign(&types.Task{ID: "t2", Prompt: "echo nope"})
	require.Error(t, err)

	<-completed
}

func TestWorkerSpawnErrorReturnsImmediately(t *testing.T) {
	w := New("w1", nopSink{}, log.Nop(),
		config.ChildConfig{Command: "/nonexistent/binary-that-does-not-exist", DeliveryStrategy: "argv"},
		ptyexec.Config{},
		Callbacks{})

	err := w.Assign(&types.Task{ID: "t1", Prompt: ""})
	require.Error(t, err)
	require.Equal(t, types.WorkerIdle, w.State())
}

func TestWorkerInterveneRequiresRunning(t *testing.T) {
	w := New("w1", nopSink{}, log.Nop(), config.ChildConfig{Command: "sh"}, ptyexec.Config{}, Callbacks{})
	err := w.Intervene("hello")
	require.Error(t, err)
}
