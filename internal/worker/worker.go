// Worker bridges one Supervisor-assigned Task to one PTY Executor: a
// stateful, single-task-at-a-time bridge that owns a PTY Executor for the
// duration of one assignment.
package worker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentctl/agentctl/internal/config"
	"github.com/agentctl/agentctl/internal/ctlerr"
	"github.com/agentctl/agentctl/internal/ptyexec"
	"github.com/agentctl/agentctl/internal/types"
)

// Outcome carries the observable result of one Task's execution, passed
// from Worker to Supervisor when the child exits.
type Outcome struct {
	ExitCode   int
	Signal     string
	Output     string
	Violations []types.Detection
}

// Callbacks lets a Worker report back to its Supervisor without importing
// the supervisor package.
type Callbacks struct {
	// OnComplete fires once the child has exited cleanly (signal == "").
	// The task's terminal disposition (complete/failed) is the Supervisor's
	// decision via acceptance verification, not the Worker's.
	OnComplete func(workerID string, task *types.Task, outcome Outcome)
	// OnCrash fires when the Worker's slot itself failed: the child
	// terminating via an externally-delivered signal rather than a clean
	// exit. Spawn errors are returned from Assign instead.
	OnCrash func(workerID string, task *types.Task, err error)
	// OnSpawnChild forwards a SPAWN_CHILD signal.
	OnSpawnChild func(parentTaskID, prompt string, acceptance types.AcceptanceCriteria)
	// OnToolCall forwards a TOOL_INVOCATION signal, additionally tagged with
	// the task and worker for phase tool-restriction enforcement.
	OnToolCall func(workerID, taskID string, payload map[string]any)
	// OnTerminated fires after a deliberate Terminate() call's child has
	// fully exited (any signal involved is expected, not a crash). The
	// caller already decided the task's terminal state (e.g. Kill); this
	// callback only returns the worker slot to the idle pool.
	OnTerminated func(workerID string)
}

// Worker is an execution agent bound to at most one Task at a time; it owns
// one PTY Executor while busy.
type Worker struct {
	id        string
	sink      ptyexec.Sink
	log       *zap.SugaredLogger
	childCfg  config.ChildConfig
	execCfg   ptyexec.Config
	cb        Callbacks

	mu          sync.Mutex
	state       types.WorkerState
	task        *types.Task
	executor    *ptyexec.Executor
	terminating bool
}

// New constructs an idle Worker.
func New(id string, sink ptyexec.Sink, log *zap.SugaredLogger, childCfg config.ChildConfig, execCfg ptyexec.Config, cb Callbacks) *Worker {
	return &Worker{
		id:       id,
		sink:     sink,
		log:      log,
		childCfg: childCfg,
		execCfg:  execCfg,
		cb:       cb,
		state:    types.WorkerIdle,
	}
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string { return w.id }

// State returns idle/busy/dead.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// CurrentTaskID returns the task this worker is executing, or "".
func (w *Worker) CurrentTaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task == nil {
		return ""
	}
	return w.task.ID
}

// Assign starts execution of task on this worker. Fails with ErrNotRunning
// reused as "already busy" if the worker is not idle.
func (w *Worker) Assign(task *types.Task) error {
	w.mu.Lock()
	if w.state != types.WorkerIdle {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: %w: already busy with task %s", w.id, ctlerr.ErrNotRunning, w.task.ID)
	}
	w.state = types.WorkerBusy
	w.task = task
	execCfg := w.execCfg
	execCfg.PhaseScope = task.PhaseScope
	w.mu.Unlock()

	executor := ptyexec.New(execCfg, w.sink, w.log, ptyexec.Callbacks{
		OnSpawnChild: func(prompt string, acceptance types.AcceptanceCriteria) {
			if w.cb.OnSpawnChild != nil {
				w.cb.OnSpawnChild(task.ID, prompt, acceptance)
			}
		},
		OnToolCall: func(payload map[string]any) {
			if w.cb.OnToolCall != nil {
				w.cb.OnToolCall(w.id, task.ID, payload)
			}
		},
		OnExit: func(exitCode int, signal string, _ error) {
			w.handleExit(task, exitCode, signal)
		},
	})

	w.mu.Lock()
	w.executor = executor
	w.mu.Unlock()

	command, args, stdinPrompt := w.deliveryFor(task)
	if err := executor.Execute(command, args, task.ID, stdinPrompt); err != nil {
		w.mu.Lock()
		w.state = types.WorkerIdle
		w.task = nil
		w.executor = nil
		w.mu.Unlock()
		// PtySpawnError is a task-level failure reason, not a
		// worker-slot crash: the slot itself is fine, the command could not
		// be started. The caller (Supervisor) handles this synchronously
		// from Assign's return value rather than via OnCrash, which is
		// reserved for asynchronous slot death during a run.
		return err
	}
	return nil
}

// deliveryFor resolves the child's argv and/or stdin prompt from the
// configured delivery strategy.
func (w *Worker) deliveryFor(task *types.Task) (command string, args []string, stdinPrompt string) {
	args = append([]string(nil), w.childCfg.Args...)
	if w.childCfg.DeliveryStrategy == "argv" {
		return w.childCfg.Command, append(args, task.Prompt), ""
	}
	return w.childCfg.Command, args, task.Prompt
}

// Intervene forwards corrective text to the child's stdin, tagged as an
// intervention event.
func (w *Worker) Intervene(text string) error {
	w.mu.Lock()
	executor := w.executor
	busy := w.state == types.WorkerBusy
	w.mu.Unlock()
	if !busy || executor == nil {
		return ctlerr.ErrNotRunning
	}
	return executor.ForceIntervention(text)
}

// Terminate kills the running child, if any, and returns the worker to
// idle. Used both for explicit task kill and for controller shutdown. The
// resulting exit is reported via OnTerminated, not OnCrash: a deliberate
// Terminate must not be mistaken for a worker-slot crash.
func (w *Worker) Terminate() {
	w.mu.Lock()
	executor := w.executor
	if executor != nil {
		w.terminating = true
	}
	w.mu.Unlock()
	if executor != nil {
		_ = executor.Kill()
	}
}

// MarkDead retires this worker permanently; the Supervisor replaces it with
// a fresh Worker instance under a new ID.
func (w *Worker) MarkDead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = types.WorkerDead
	if w.executor != nil {
		_ = w.executor.Kill()
	}
}

// handleExit runs once per assignment when the child's PTY session ends.
func (w *Worker) handleExit(task *types.Task, exitCode int, signal string) {
	w.mu.Lock()
	executor := w.executor
	wasTerminating := w.terminating
	w.mu.Unlock()

	var output string
	var violations []types.Detection
	if executor != nil {
		output = executor.GetOutput()
		violations = executor.GetViolations()
	}

	w.mu.Lock()
	w.state = types.WorkerIdle
	w.task = nil
	w.executor = nil
	w.terminating = false
	w.mu.Unlock()

	if wasTerminating {
		if w.cb.OnTerminated != nil {
			w.cb.OnTerminated(w.id)
		}
		return
	}

	if signal != "" {
		// A signaled termination (e.g. an operator's external SIGKILL) is
		// read as the worker slot crashing rather than a normal child exit:
		// see DESIGN.md.
		if w.cb.OnCrash != nil {
			w.cb.OnCrash(w.id, task, fmt.Errorf("%w: terminated by signal %s", ctlerr.ErrWorkerCrash, signal))
		}
		return
	}

	if w.cb.OnComplete != nil {
		w.cb.OnComplete(w.id, task, Outcome{
			ExitCode:   exitCode,
			Signal:     signal,
			Output:     output,
			Violations: violations,
		})
	}
}
