// Package supervisor implements the Supervisor/Scheduler: a priority task
// queue, a bounded worker pool, the canonical Task state machine,
// assignment, worker failure handling, acceptance verification, and
// child-task spawning. A single Task record with a state field is mutated
// under one mutex; there is no separate cache to keep in sync.
package supervisor

import (
	"container/heap"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentctl/agentctl/internal/acceptance"
	"github.com/agentctl/agentctl/internal/breaker"
	"github.com/agentctl/agentctl/internal/config"
	"github.com/agentctl/agentctl/internal/ctlerr"
	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/ptyexec"
	"github.com/agentctl/agentctl/internal/rules"
	"github.com/agentctl/agentctl/internal/types"
	"github.com/agentctl/agentctl/internal/worker"
)

// SubmitOptions carries submit's recognized options.
type SubmitOptions struct {
	ParentID   string
	Priority   int
	Acceptance types.AcceptanceCriteria
	PhaseScope string
}

// StatusSnapshot is the return value of Status().
type StatusSnapshot struct {
	Counts      map[types.TaskState]int
	QueueDepth  int
	Workers     []WorkerSummary
	RecentTasks []*types.Task
}

// WorkerSummary describes one worker slot in a status snapshot.
type WorkerSummary struct {
	ID            string
	State         types.WorkerState
	CurrentTaskID string
	BreakerState  string
}

// recentTasksCap bounds the "bounded list of recent tasks" in Status().
const recentTasksCap = 100

type queueEntry struct {
	task *types.Task
	seq  int64
}

// priorityQueue orders by descending priority, FIFO within equal priority,
// implemented over container/heap.
type priorityQueue []*queueEntry

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*queueEntry)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Supervisor owns the queue, the fixed-size worker pool, and the canonical
// Task table.
type Supervisor struct {
	cfg        config.Config
	log        *zap.SugaredLogger
	events     *eventlog.Log
	acceptance *acceptance.Checker
	breakers   *breaker.Registry
	rules      *rules.Set
	workDir    string

	mu         sync.Mutex
	tasks      map[string]*types.Task
	queue      priorityQueue
	seq        int64
	workers    map[string]*worker.Worker
	idle       []string // idle worker IDs, round-robin order for fairness
	workerNum  int
	retryCount map[string]int // task ID -> requeue count, for worker_retry_limit
	shuttingDown bool

	// toolCallHook, when set (by the Phase Controller), is invoked for every
	// TOOL_INVOCATION signal observed in any running task's stream, for
	// tool-restriction enforcement.
	toolCallHook func(workerID, taskID string, payload map[string]any)

	wg sync.WaitGroup
}

// SetToolCallHook registers a handler invoked for every TOOL_INVOCATION
// signal observed across all tasks. Used by the Phase Controller to
// enforce per-phase allowed/forbidden tool sets without the Supervisor
// depending on the phase package.
func (s *Supervisor) SetToolCallHook(hook func(workerID, taskID string, payload map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCallHook = hook
}

func (s *Supervisor) onToolCall(workerID, taskID string, payload map[string]any) {
	s.mu.Lock()
	hook := s.toolCallHook
	s.mu.Unlock()
	if hook != nil {
		hook(workerID, taskID, payload)
	}
}

// New constructs a Supervisor with cfg.MaxWorkers idle workers, all bound
// to the same child command and rule set.
func New(cfg config.Config, log *zap.SugaredLogger, events *eventlog.Log, ruleSet *rules.Set, workDir string) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		events:  events,
		rules:   ruleSet,
		workDir: workDir,
		acceptance: acceptance.New(acceptance.Config{
			MinFileBytes: cfg.AcceptanceMinFileBytes,
		}),
		breakers:   breaker.NewRegistry(cfg.WorkerRetryLimit+1, 30*time.Second),
		tasks:      make(map[string]*types.Task),
		workers:    make(map[string]*worker.Worker),
		retryCount: make(map[string]int),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		s.spawnWorker()
	}
	return s
}

func (s *Supervisor) execConfig() ptyexec.Config {
	return ptyexec.Config{
		TermWidth:         s.cfg.Child.TermWidth,
		TermHeight:        s.cfg.Child.TermHeight,
		HeartbeatInterval: time.Duration(s.cfg.HeartbeatIntervalMS) * time.Millisecond,
		StreamWindowChars: s.cfg.StreamWindowChars,
		InterventionGrace: time.Duration(s.cfg.InterventionGraceMS) * time.Millisecond,
		OutputBufferBytes: s.cfg.OutputBufferBytes,
		Rules:             s.rules,
	}
}

// spawnWorker must be called with s.mu unlocked; it registers a brand new
// idle Worker under a fresh slot ID.
func (s *Supervisor) spawnWorker() {
	s.mu.Lock()
	s.workerNum++
	id := fmt.Sprintf("worker-%d", s.workerNum)
	s.mu.Unlock()

	w := worker.New(id, s.events, s.log, s.cfg.Child, s.execConfig(), worker.Callbacks{
		OnComplete:   s.onWorkerComplete,
		OnCrash:      s.onWorkerCrash,
		OnSpawnChild: s.onSpawnChild,
		OnToolCall:   s.onToolCall,
		OnTerminated: s.markIdle,
	})

	s.mu.Lock()
	s.workers[id] = w
	s.idle = append(s.idle, id)
	s.mu.Unlock()
}

// Submit creates a Task, enqueues it, and triggers one assignment attempt.
// It returns immediately.
func (s *Supervisor) Submit(prompt string, opts SubmitOptions) (string, error) {
	if trimEmpty(prompt) {
		return "", ctlerr.ErrInvalidInput
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor: %w: shutting down", ctlerr.ErrInvalidInput)
	}
	id := uuid.NewString()
	task := &types.Task{
		ID:         id,
		ParentID:   opts.ParentID,
		Prompt:     prompt,
		Priority:   opts.Priority,
		State:      types.TaskQueued,
		Acceptance: opts.Acceptance,
		PhaseScope: opts.PhaseScope,
		CreatedAt:  time.Now().UTC(),
	}
	s.tasks[id] = task
	s.seq++
	heap.Push(&s.queue, &queueEntry{task: task, seq: s.seq})
	s.mu.Unlock()

	s.emit(task, types.EventTaskUpdate, map[string]string{"state": string(types.TaskQueued)})
	s.tryAssign()
	return id, nil
}

// Intervene sends a corrective message to the worker running task_id.
func (s *Supervisor) Intervene(taskID, text string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ctlerr.ErrNotFound
	}
	if task.State != types.TaskRunning {
		s.mu.Unlock()
		return ctlerr.ErrNotRunning
	}
	w := s.workers[task.WorkerID]
	s.mu.Unlock()
	if w == nil {
		return ctlerr.ErrNotRunning
	}

	if err := w.Intervene(text); err != nil {
		s.log.Warnw("intervention write failed", "task_id", taskID, "error", err)
		return nil // log only; do not change task state on a write failure
	}
	s.emit(task, types.EventIntervention, map[string]string{"text": text})
	return nil
}

// Kill forces task_id to failed. Idempotent on terminal tasks.
func (s *Supervisor) Kill(taskID, reason string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ctlerr.ErrNotFound
	}
	if task.State.Terminal() {
		s.mu.Unlock()
		s.log.Warnw("kill on terminal task is a no-op", "task_id", taskID)
		return nil
	}
	w := s.workers[task.WorkerID]
	s.removeFromQueueLocked(taskID)
	s.mu.Unlock()

	if w != nil {
		w.Terminate()
	}
	s.finishTask(task, types.TaskFailed, fmt.Sprintf("kill:%s", reason))
	return nil
}

// removeFromQueueLocked drops a queued task from the priority queue. Must
// be called with s.mu held.
func (s *Supervisor) removeFromQueueLocked(taskID string) {
	for i, e := range s.queue {
		if e.task.ID == taskID {
			heap.Remove(&s.queue, i)
			return
		}
	}
}

// Status returns counts by state, queue depth, worker summary, and recent
// tasks.
func (s *Supervisor) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.TaskState]int)
	var recent []*types.Task
	for _, t := range s.tasks {
		counts[t.State]++
		recent = append(recent, t)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > recentTasksCap {
		recent = recent[:recentTasksCap]
	}

	var workers []WorkerSummary
	for id, w := range s.workers {
		workers = append(workers, WorkerSummary{
			ID:            id,
			State:         w.State(),
			CurrentTaskID: w.CurrentTaskID(),
			BreakerState:  s.breakers.State(id),
		})
	}

	return StatusSnapshot{
		Counts:      counts,
		QueueDepth:  len(s.queue),
		Workers:     workers,
		RecentTasks: recent,
	}
}

// Shutdown stops accepting submissions, cancels all running tasks, drains
// the event log, and terminates workers.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.shuttingDown = true
	var running []*types.Task
	for _, t := range s.tasks {
		if !t.State.Terminal() {
			running = append(running, t)
		}
	}
	s.mu.Unlock()

	for _, t := range running {
		_ = s.Kill(t.ID, "shutdown")
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		s.mu.Lock()
		for _, w := range s.workers {
			w.Terminate()
		}
		s.mu.Unlock()
	}

	if s.events != nil {
		_ = s.events.Close()
	}
}

// tryAssign dequeues highest-priority tasks to idle workers until the
// queue is empty or no idle workers remain. Lock is released before any suspension point (worker.Assign).
func (s *Supervisor) tryAssign() {
	for {
		s.mu.Lock()
		if s.shuttingDown || s.queue.Len() == 0 || len(s.idle) == 0 {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.queue).(*queueEntry)
		task := entry.task
		workerID := s.idle[0]
		s.idle = s.idle[1:]
		w := s.workers[workerID]
		now := time.Now().UTC()
		task.State = types.TaskAssigned
		task.AssignedAt = &now
		task.WorkerID = workerID
		s.mu.Unlock()

		s.emit(task, types.EventTaskUpdate, map[string]string{"state": string(types.TaskAssigned), "worker_id": workerID})

		s.wg.Add(1)
		go s.dispatch(w, task)
	}
}

// dispatch starts task on w and transitions it to running once the PTY
// session is live.
func (s *Supervisor) dispatch(w *worker.Worker, task *types.Task) {
	defer s.wg.Done()

	err := s.breakers.Execute(w.ID(), func() error { return w.Assign(task) })
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.requeueOrFail(task, w.ID(), fmt.Errorf("%w: slot cooling down", ctlerr.ErrWorkerCrash))
			return
		}
		// PtySpawnError: the command itself could not start. Task-level
		// failure, not a worker-slot crash; the worker is immediately
		// idle again and returned to the pool.
		s.markIdle(w.ID())
		s.finishTask(task, types.TaskFailed, fmt.Sprintf("pty_spawn_error:%v", err))
		return
	}

	s.mu.Lock()
	if task.State.Terminal() {
		// Killed while the PTY session was starting.
		s.mu.Unlock()
		w.Terminate()
		return
	}
	task.State = types.TaskRunning
	s.mu.Unlock()
	s.emit(task, types.EventTaskUpdate, map[string]string{"state": string(types.TaskRunning)})
}

func (s *Supervisor) markIdle(workerID string) {
	s.mu.Lock()
	s.idle = append(s.idle, workerID)
	s.mu.Unlock()
	s.tryAssign()
}

// onWorkerComplete is the Worker callback fired when a child exits cleanly.
// The Supervisor runs full acceptance verification here.
func (s *Supervisor) onWorkerComplete(workerID string, task *types.Task, outcome worker.Outcome) {
	s.mu.Lock()
	task.State = types.TaskVerifying
	s.mu.Unlock()
	s.emit(task, types.EventTaskUpdate, map[string]string{"state": string(types.TaskVerifying)})
	for _, d := range outcome.Violations {
		s.emit(task, types.EventDetection, d)
	}

	report := s.acceptance.Verify(task, s.workDir, outcome.ExitCode, outcome.Output)

	if report.Passed {
		s.emit(task, types.EventVerificationPass, nil)
		s.finishTask(task, types.TaskComplete, "")
	} else {
		kind := "acceptance_violation"
		if report.Deceptive {
			kind = ctlerr.ErrDeceptiveClaim.Error()
		}
		s.emit(task, types.EventVerificationFail, map[string]any{"checks": report.FailedChecks})
		s.finishTask(task, types.TaskFailed, fmt.Sprintf("%s:%v", kind, report.FailedChecks))
	}

	s.markIdle(workerID)
}

// onWorkerCrash is the Worker callback fired when the worker slot itself
// died: the task is requeued once,
// retaining its id and priority, and a replacement worker is spawned; on a
// second consecutive failure the task fails with repeated_worker_crash.
func (s *Supervisor) onWorkerCrash(workerID string, task *types.Task, err error) {
	s.log.Warnw("worker crashed", "worker_id", workerID, "task_id", task.ID, "error", err)
	s.replaceWorker(workerID)
	s.requeueOrFail(task, workerID, err)
}

func (s *Supervisor) requeueOrFail(task *types.Task, workerID string, err error) {
	s.mu.Lock()
	s.retryCount[task.ID]++
	attempts := s.retryCount[task.ID]
	limit := s.cfg.WorkerRetryLimit
	s.mu.Unlock()

	if attempts > limit {
		s.finishTask(task, types.TaskFailed, "repeated_worker_crash")
		return
	}

	s.mu.Lock()
	task.State = types.TaskQueued
	task.RetryCount = attempts
	task.WorkerID = ""
	task.AssignedAt = nil
	s.seq++
	heap.Push(&s.queue, &queueEntry{task: task, seq: s.seq})
	s.mu.Unlock()

	s.emit(task, types.EventTaskUpdate, map[string]string{"state": string(types.TaskQueued), "reason": "worker_crash"})
	s.tryAssign()
}

// replaceWorker retires a dead slot and spawns a fresh one, keeping pool
// size constant.
func (s *Supervisor) replaceWorker(workerID string) {
	s.mu.Lock()
	if w, ok := s.workers[workerID]; ok {
		w.MarkDead()
		delete(s.workers, workerID)
	}
	s.breakers.Drop(workerID)
	// Remove from idle list if present (it shouldn't be, since it just
	// crashed while busy, but be defensive).
	filtered := s.idle[:0:0]
	for _, id := range s.idle {
		if id != workerID {
			filtered = append(filtered, id)
		}
	}
	s.idle = filtered
	s.mu.Unlock()

	s.spawnWorker()
}

// onSpawnChild handles a SPAWN_CHILD signal surfaced from the Stream
// Pipeline: submits a new task with
// parent_id set and priority = parent.priority + 1. The parent continues
// running; no implicit wait.
func (s *Supervisor) onSpawnChild(parentTaskID, prompt string, acceptance types.AcceptanceCriteria) {
	s.mu.Lock()
	parent, ok := s.tasks[parentTaskID]
	s.mu.Unlock()
	if !ok {
		s.log.Warnw("spawn_child from unknown parent task", "parent_id", parentTaskID)
		return
	}
	childID, err := s.Submit(prompt, SubmitOptions{
		ParentID:   parentTaskID,
		Priority:   parent.Priority + 1,
		Acceptance: acceptance,
		PhaseScope: parent.PhaseScope,
	})
	if err != nil {
		s.log.Warnw("spawn_child submit failed", "parent_id", parentTaskID, "error", err)
		return
	}
	s.emit(parent, types.EventSpawnChild, map[string]string{"child_id": childID})
}

// finishTask transitions task to a terminal state and records the result.
func (s *Supervisor) finishTask(task *types.Task, state types.TaskState, reason string) {
	s.mu.Lock()
	now := time.Now().UTC()
	task.State = state
	task.CompletedAt = &now
	if task.Result == nil {
		task.Result = &types.Result{}
	}
	task.Result.Reason = reason
	s.mu.Unlock()

	kind := types.EventTaskComplete
	if state == types.TaskFailed {
		kind = types.EventTaskFailed
	}
	s.emit(task, kind, map[string]string{"reason": reason})
}

func (s *Supervisor) emit(task *types.Task, kind types.EventKind, payload any) {
	if s.events == nil {
		return
	}
	s.events.Emit(types.Event{
		Timestamp: time.Now().UTC(),
		TaskID:    task.ID,
		WorkerID:  task.WorkerID,
		Kind:      kind,
		Payload:   payload,
	})
}

func trimEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// WorkDir returns the supervisor's configured working directory.
func (s *Supervisor) WorkDir() string { return s.workDir }

// ArtifactPath joins the working directory with a relative artifact path.
func (s *Supervisor) ArtifactPath(rel string) string {
	return filepath.Join(s.workDir, rel)
}

// Task looks up a task by ID for read-only inspection (used by the run
// command to poll for a terminal state).
func (s *Supervisor) Task(id string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}
