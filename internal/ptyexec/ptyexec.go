// Package ptyexec implements the PTY Executor & Stream Pipeline:
// it owns one child process attached to a pseudo-terminal, streams output to
// a sink with low latency, accepts stdin writes for interventions, runs a
// keep-alive heartbeat, and applies a Rule Set against a tail window of the
// output. It runs a single-shot per-Task session: a second Start call
// fails until the current session has exited.
package ptyexec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentctl/agentctl/internal/ctlerr"
	"github.com/agentctl/agentctl/internal/rules"
	"github.com/agentctl/agentctl/internal/types"
)

// Sink receives events from the executor. eventlog.Log satisfies this.
type Sink interface {
	Emit(types.Event)
}

// Config configures one Executor.
type Config struct {
	TermWidth            int
	TermHeight           int
	HeartbeatInterval    time.Duration
	StallThreshold       time.Duration
	StreamWindowChars    int
	InterventionGrace    time.Duration
	OutputBufferBytes    int
	Rules                *rules.Set
	PhaseScope           string
}

func (c Config) withDefaults() Config {
	if c.TermWidth == 0 {
		c.TermWidth = 120
	}
	if c.TermHeight == 0 {
		c.TermHeight = 40
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 180 * time.Second
	}
	if c.StallThreshold == 0 {
		c.StallThreshold = 30 * time.Second
	}
	if c.StreamWindowChars == 0 {
		c.StreamWindowChars = 1000
	}
	if c.InterventionGrace == 0 {
		c.InterventionGrace = 500 * time.Millisecond
	}
	if c.OutputBufferBytes == 0 {
		c.OutputBufferBytes = 1 << 20
	}
	return c
}

// Callbacks lets the owning Worker react to structured signals without the
// Executor depending on the Supervisor package.
type Callbacks struct {
	OnSpawnChild func(prompt string, acceptance types.AcceptanceCriteria)
	OnToolCall   func(payload map[string]any)
	// OnExit fires exactly once per session. signal is non-empty when the
	// child terminated via a signal (e.g. an externally-delivered SIGKILL)
	// rather than a clean process exit.
	OnExit func(exitCode int, signal string, err error)
}

// Executor owns one child process attached to a pseudo-terminal.
type Executor struct {
	cfg   Config
	sink  Sink
	log   *zap.SugaredLogger
	cb    Callbacks
	taskID string

	mu      sync.Mutex
	running bool
	cmd     *exec.Cmd
	ptmx    *os.File

	buf       bytes.Buffer
	bufMu     sync.Mutex
	violations []types.Detection

	// toolScan and spawnScan track how far processWindow has already
	// scanned e.buf for each signal prefix, so a signal that lingers in the
	// buffer across many readLoop chunks fires its callback exactly once.
	// Both are only ever touched from the readLoop goroutine.
	toolScan  signalScanState
	spawnScan signalScanState

	lastData   time.Time
	lastDataMu sync.Mutex

	heartbeatStop chan struct{}
	stallStop     chan struct{}
	readerDone    chan struct{}
}

// New constructs an Executor. sink receives every emitted event.
func New(cfg Config, sink Sink, log *zap.SugaredLogger, cb Callbacks) *Executor {
	return &Executor{cfg: cfg.withDefaults(), sink: sink, log: log, cb: cb}
}

// Execute starts the child attached to a new PTY. The task's prompt is
// delivered either via argv (args already includes the prompt) or via stdin
// (writeStdinPrompt, written once the child is running) per the configured
// delivery strategy; the caller decides which by what it passes here.
func (e *Executor) Execute(command string, args []string, taskID string, writeStdinPrompt string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("ptyexec: %w: session already running", ctlerr.ErrPtySpawnError)
	}
	e.taskID = taskID
	e.mu.Unlock()

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), "FORCE_COLOR=0", "TERM=xterm-256color")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(e.cfg.TermHeight),
		Cols: uint16(e.cfg.TermWidth),
	})
	if err != nil {
		e.emit(types.EventError, map[string]string{"error": err.Error()})
		return fmt.Errorf("ptyexec: %w: %v", ctlerr.ErrPtySpawnError, err)
	}

	e.mu.Lock()
	e.running = true
	e.cmd = cmd
	e.ptmx = ptmx
	e.heartbeatStop = make(chan struct{})
	e.stallStop = make(chan struct{})
	e.readerDone = make(chan struct{})
	e.mu.Unlock()

	e.touchData()
	e.emit(types.EventTaskStart, map[string]string{"command": command})

	if writeStdinPrompt != "" {
		_, _ = ptmx.Write([]byte(writeStdinPrompt + "\n"))
	}

	go e.heartbeatLoop()
	go e.stallLoop()
	go e.readLoop()

	return nil
}

// Write writes verbatim to the child's stdin.
func (e *Executor) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ctlerr.ErrNotRunning
	}
	_, err := e.ptmx.Write(data)
	return err
}

// ForceIntervention writes text+"\n" and emits an intervention event.
func (e *Executor) ForceIntervention(text string) error {
	if err := e.Write([]byte(text + "\n")); err != nil {
		e.log.Warnw("intervention write failed", "task_id", e.taskID, "error", err)
		return err
	}
	e.emit(types.EventIntervention, map[string]string{"text": text})
	return nil
}

// Kill terminates the child and releases resources. Idempotent.
func (e *Executor) Kill() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cmd := e.cmd
	e.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Sent to the whole process group (Setsid above put the child in
		// its own), so a shell wrapper can't leave orphaned grandchildren
		// behind.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
		done := make(chan struct{})
		go func() { _, _ = cmd.Process.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
	e.stopTimers()
	return nil
}

func (e *Executor) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.heartbeatStop)
	close(e.stallStop)
}

// GetOutput returns the current bounded buffer snapshot.
func (e *Executor) GetOutput() string {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.buf.String()
}

// GetViolations returns detections observed this session.
func (e *Executor) GetViolations() []types.Detection {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	out := make([]types.Detection, len(e.violations))
	copy(out, e.violations)
	return out
}

func (e *Executor) heartbeatLoop() {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Write([]byte{0x00}); err != nil {
				return
			}
			e.emit(types.EventHeartbeat, nil)
		case <-e.heartbeatStop:
			return
		}
	}
}

func (e *Executor) stallLoop() {
	ticker := time.NewTicker(e.cfg.StallThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.lastDataMu.Lock()
			idle := time.Since(e.lastData)
			e.lastDataMu.Unlock()
			if idle >= e.cfg.StallThreshold {
				e.emit(types.EventStall, map[string]string{"idle_seconds": idle.String()})
			}
		case <-e.stallStop:
			return
		}
	}
}

func (e *Executor) touchData() {
	e.lastDataMu.Lock()
	e.lastData = time.Now()
	e.lastDataMu.Unlock()
}

func (e *Executor) readLoop() {
	defer close(e.readerDone)
	chunk := make([]byte, 4096)
	for {
		n, err := e.ptmx.Read(chunk)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			e.touchData()
			e.appendBuffer(data)
			e.emit(types.EventData, map[string]string{"bytes": string(data)})
			e.processWindow()
		}
		if err != nil {
			exitCode, sig := exitInfo(e.cmd, err)
			e.emit(types.EventExit, map[string]any{"exit_code": exitCode, "signal": sig})
			e.stopTimers()
			if e.cb.OnExit != nil {
				e.cb.OnExit(exitCode, sig, errIfNonZero(exitCode, err))
			}
			return
		}
	}
}

func exitInfo(cmd *exec.Cmd, readErr error) (int, string) {
	if readErr == io.EOF && cmd != nil {
		_ = cmd.Wait()
	}
	if cmd == nil || cmd.ProcessState == nil {
		return -1, ""
	}
	state := cmd.ProcessState
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func errIfNonZero(code int, fallback error) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("%w: exit code %d", ctlerr.ErrChildExitNonZero, code)
}

func (e *Executor) appendBuffer(data []byte) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	e.buf.Write(data)
	if max := e.cfg.OutputBufferBytes; max > 0 && e.buf.Len() > max {
		overflow := e.buf.Len() - max
		e.buf.Next(overflow)
		e.toolScan.shift(overflow)
		e.spawnScan.shift(overflow)
	}
}

// processWindow runs the rule matcher against the tail window and scans for
// structured in-band signals. The rule matcher re-evaluates the tail window
// every call by design, so a rule can keep firing while its match stays
// within StreamWindowChars; signal extraction is different; a signal must
// fire its callback exactly once, so it tracks how much of the buffer it has
// already scanned via toolScan/spawnScan rather than rescanning from byte
// zero each time.
func (e *Executor) processWindow() {
	e.bufMu.Lock()
	full := e.buf.String()
	e.bufMu.Unlock()

	window := tailWindow(full, e.cfg.StreamWindowChars)
	if e.cfg.Rules != nil {
		for _, m := range e.cfg.Rules.Match(window, e.cfg.PhaseScope) {
			e.handleMatch(m, window)
		}
	}

	for _, sig := range e.toolScan.scan(full, "TOOL_INVOCATION:") {
		var payload map[string]any
		if json.Unmarshal([]byte(sig), &payload) == nil {
			e.emit(types.EventToolCall, payload)
			if e.cb.OnToolCall != nil {
				e.cb.OnToolCall(payload)
			}
		}
	}
	for _, sig := range e.spawnScan.scan(full, "SPAWN_CHILD:") {
		var payload struct {
			Prompt     string                    `json:"prompt"`
			Acceptance types.AcceptanceCriteria `json:"acceptance"`
		}
		if json.Unmarshal([]byte(sig), &payload) == nil && e.cb.OnSpawnChild != nil {
			e.cb.OnSpawnChild(payload.Prompt, payload.Acceptance)
		}
	}
}

func (e *Executor) handleMatch(m rules.Match, window string) {
	det := types.Detection{
		RuleID:         m.Rule.ID,
		MatchedText:    m.MatchedText,
		Timestamp:      time.Now().UTC(),
		TaskID:         e.taskID,
		WindowSnapshot: window,
		Severity:       m.Rule.Severity,
	}
	e.bufMu.Lock()
	e.violations = append(e.violations, det)
	e.bufMu.Unlock()
	e.emit(types.EventDetection, det)

	switch m.Rule.Severity {
	case types.SeverityInfo:
		// event only
	case types.SeverityWarn:
		// event only; control-plane notification is carried by the event
		// itself (the control plane subscribes to the event stream).
	case types.SeverityInterrupt:
		_ = e.Write([]byte{0x1B})
		time.Sleep(e.cfg.InterventionGrace)
		if m.Rule.Escalating {
			_ = e.Write([]byte{0x03})
		}
		_ = e.ForceIntervention(m.Rule.CorrectiveMessage)
	case types.SeverityRedirect:
		_ = e.ForceIntervention(m.Rule.CorrectiveMessage)
	}
}

func (e *Executor) emit(kind types.EventKind, payload any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(types.Event{
		Timestamp: time.Now().UTC(),
		TaskID:    e.taskID,
		Kind:      kind,
		Payload:   payload,
	})
}

// tailWindow returns the last n characters of s (rune-safe).
func tailWindow(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// signalScanState tracks how far a single prefix's scan has advanced through
// an ever-growing output buffer. offset marks the first byte not yet proven
// either a completed signal or not a signal at all; a prefix whose object is
// still mid-flight is left at its starting position so the next call, once
// more bytes have arrived, picks it back up instead of re-emitting whatever
// already matched before it.
type signalScanState struct {
	offset int
}

// scan extracts every complete prefix+balanced-object signal in full at or
// after st.offset and advances st.offset past everything it could resolve.
func (st *signalScanState) scan(full, prefix string) []string {
	var out []string
	idx := st.offset
	for {
		p := strings.Index(full[idx:], prefix)
		if p == -1 {
			// A partial prefix may still be sitting at the tail waiting on
			// more bytes; keep it in view rather than marking it scanned.
			safe := len(full) - (len(prefix) - 1)
			if safe < idx {
				safe = idx
			}
			st.offset = safe
			return out
		}
		occurrence := idx + p
		start := occurrence + len(prefix)
		for start < len(full) && isSignalSpace(full[start]) {
			start++
		}
		if start >= len(full) {
			st.offset = occurrence
			return out
		}
		if full[start] != '{' {
			idx = occurrence + len(prefix)
			continue
		}
		end := matchBrace(full, start)
		if end == -1 {
			// Object not yet balanced; more bytes may still close it.
			st.offset = occurrence
			return out
		}
		out = append(out, full[start:end+1])
		idx = end + 1
	}
}

// shift rebases offset after n bytes are trimmed off the front of the
// buffer it scans.
func (st *signalScanState) shift(n int) {
	st.offset -= n
	if st.offset < 0 {
		st.offset = 0
	}
}

func isSignalSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// extractBalancedSignals finds every occurrence of prefix followed by
// whitespace and a balanced-brace JSON object in a single static string,
// returning the object text (including braces). Tolerates whitespace
// between prefix and "{"; a missing or unbalanced object is skipped. This
// is a one-shot equivalent of signalScanState.scan starting from a fresh
// offset, kept separate since callers that already have the whole text in
// hand (tests, one-off parsing) don't need to carry scan state around.
func extractBalancedSignals(s, prefix string) []string {
	var st signalScanState
	return st.scan(s, prefix)
}

// matchBrace returns the index of the closing brace matching the opening
// brace at s[open], respecting JSON string quoting, or -1 if unbalanced.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
