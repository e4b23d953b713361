//go:build unix

package ptyexec

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentctl/internal/log"
	"github.com/agentctl/agentctl/internal/rules"
	"github.com/agentctl/agentctl/internal/types"
)

type memSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (m *memSink) Emit(ev types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memSink) snapshot() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.events))
	copy(out, m.events)
	return out
}

func TestExecuteEchoAndExit(t *testing.T) {
	sink := &memSink{}
	var exitCode int
	var gotSignal string
	exited := make(chan struct{})

	e := New(Config{}, sink, log.Nop(), Callbacks{
		OnExit: func(code int, signal string, err error) {
			exitCode = code
			gotSignal = signal
			close(exited)
		},
	})

	require.NoError(t, e.Execute("sh", []string{"-c", "echo hello-world; exit 0"}, "task-1", ""))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	assert.Equal(t, 0, exitCode)
	assert.Empty(t, gotSignal)
	assert.Contains(t, e.GetOutput(), "hello-world")
}

func TestExecuteSingleShot(t *testing.T) {
	sink := &memSink{}
	exited := make(chan struct{})
	e := New(Config{}, sink, log.Nop(), Callbacks{
		OnExit: func(int, string, error) { close(exited) },
	})
	require.NoError(t, e.Execute("sh", []string{"-c", "sleep 0.2"}, "task-1", ""))

	err := e.Execute("sh", []string{"-c", "echo nope"}, "task-2", "")
	require.Error(t, err)

	<-exited
}

func TestWriteFailsWhenNotRunning(t *testing.T) {
	e := New(Config{}, &memSink{}, log.Nop(), Callbacks{})
	err := e.Write([]byte("x"))
	require.Error(t, err)
}

func TestKillIsIdempotent(t *testing.T) {
	e := New(Config{}, &memSink{}, log.Nop(), Callbacks{})
	require.NoError(t, e.Kill())
	require.NoError(t, e.Kill())
}

func TestInterventionOnInterruptRule(t *testing.T) {
	set, err := rules.LoadBytes([]byte(`
rules:
  - id: planning-language
    regex: 'I would'
    severity: interrupt
    corrective_message: "Stop planning. Create the file now."
`))
	require.NoError(t, err)

	sink := &memSink{}
	exited := make(chan struct{})
	e := New(Config{Rules: set, InterventionGrace: 10 * time.Millisecond}, sink, log.Nop(), Callbacks{
		OnExit: func(int, string, error) { close(exited) },
	})
	require.NoError(t, e.Execute("sh", []string{"-c", "echo 'I would first analyze the problem'; sleep 0.3"}, "task-1", ""))

	require.Eventually(t, func() bool {
		for _, ev := range sink.snapshot() {
			if ev.Kind == types.EventIntervention {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_ = e.Kill()
	<-exited
}

func TestTailWindow(t *testing.T) {
	s := strings.Repeat("a", 10) + strings.Repeat("b", 5)
	assert.Equal(t, strings.Repeat("b", 5), tailWindow(s, 5))
	assert.Equal(t, s, tailWindow(s, 100))
}

func TestExtractBalancedSignals(t *testing.T) {
	text := `some output TOOL_INVOCATION: {"tool":"edit","args":{"path":"a.go"}} trailing`
	sigs := extractBalancedSignals(text, "TOOL_INVOCATION:")
	require.Len(t, sigs, 1)
	assert.Contains(t, sigs[0], `"tool":"edit"`)
}

func TestExtractBalancedSignalsMalformedIgnored(t *testing.T) {
	text := `SPAWN_CHILD: {"prompt": unterminated`
	sigs := extractBalancedSignals(text, "SPAWN_CHILD:")
	assert.Empty(t, sigs)
}

func TestProcessWindowDoesNotRefireSignalAlreadyInBuffer(t *testing.T) {
	sink := &memSink{}
	e := New(Config{}, sink, log.Nop(), Callbacks{})

	e.appendBuffer([]byte(`chatter TOOL_INVOCATION: {"tool":"edit","args":{"path":"a.go"}} trailing`))
	e.processWindow()
	e.appendBuffer([]byte(` more output with no new signal in it`))
	e.processWindow()
	e.appendBuffer([]byte(` and still more`))
	e.processWindow()

	calls := 0
	for _, ev := range sink.snapshot() {
		if ev.Kind == types.EventToolCall {
			calls++
		}
	}
	assert.Equal(t, 1, calls, "a signal still sitting in the buffer must not re-fire on later chunks")
}

func TestProcessWindowHandlesSignalSplitAcrossChunks(t *testing.T) {
	var spawnCalls int
	var gotPrompt string
	e := New(Config{}, &memSink{}, log.Nop(), Callbacks{
		OnSpawnChild: func(prompt string, _ types.AcceptanceCriteria) {
			spawnCalls++
			gotPrompt = prompt
		},
	})

	e.appendBuffer([]byte(`SPAWN_CHILD: {"prompt": "fix the te`))
	e.processWindow()
	e.appendBuffer([]byte(`sts", "acceptance": {}}`))
	e.processWindow()
	e.appendBuffer([]byte(` trailing chatter with no new signal`))
	e.processWindow()

	assert.Equal(t, 1, spawnCalls, "split signal must fire exactly once, after it completes")
	assert.Equal(t, "fix the tests", gotPrompt)
}

func TestSignalScanStateShiftRebasesAfterBufferTrim(t *testing.T) {
	var st signalScanState
	st.offset = 40
	st.shift(25)
	assert.Equal(t, 15, st.offset)

	st.shift(100)
	assert.Equal(t, 0, st.offset, "offset must clamp at zero rather than go negative")
}
