// Package types defines the core data model shared across the supervisor,
// PTY executor, worker pool, phase controller, and control plane: Task,
// Worker, PTYSession, Detection, Rule, PhaseRun, Event, and AcceptanceCriteria.
package types

import "time"

// TaskState is a Task's position in its lifecycle state machine.
//
// Allowed edges: queued->assigned->running->verifying->{complete,failed};
// running->failed (crash or acceptance error); assigned|running->queued
// (worker death, requeue); any state->failed (explicit kill). complete and
// failed are terminal.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskAssigned   TaskState = "assigned"
	TaskRunning    TaskState = "running"
	TaskVerifying  TaskState = "verifying"
	TaskComplete   TaskState = "complete"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// AcceptanceCriteria describes the post-exit checks that decide complete vs
// failed for a Task, evaluated once in the verifying state.
type AcceptanceCriteria struct {
	FilesExpected    []string           `json:"files_expected,omitempty"`
	MustExecute      bool               `json:"must_execute,omitempty"`
	TestsRequired    bool               `json:"tests_required,omitempty"`
	TestsMustPass    bool               `json:"tests_must_pass,omitempty"`
	CustomPredicates []CustomPredicate  `json:"-"`
}

// CustomPredicate is an opaque function over the session's artifacts,
// evaluated during acceptance verification. All must return true for the
// task to pass.
type CustomPredicate func(dir string) (bool, string)

// Result carries the terminal outcome of a Task: what the acceptance check
// found, if anything.
type Result struct {
	ExitCode int      `json:"exit_code"`
	Signal   string   `json:"signal,omitempty"`
	Report   []string `json:"report,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Task is a unit of work: prompt text, priority, optional parent, acceptance
// criteria, state, timing, and an optional result. id, prompt, parent_id and
// created_at are immutable once created; all other fields are mutated only
// by the Supervisor.
type Task struct {
	ID          string             `json:"id"`
	ParentID    string             `json:"parent_id,omitempty"`
	Prompt      string             `json:"prompt"`
	Priority    int                `json:"priority"`
	State       TaskState          `json:"state"`
	Acceptance  AcceptanceCriteria `json:"acceptance"`
	PhaseScope  string             `json:"phase_scope,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	AssignedAt  *time.Time         `json:"assigned_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	WorkerID    string             `json:"worker_id,omitempty"`
	Result      *Result            `json:"result,omitempty"`

	// RetryCount tracks requeues after worker death, bounded by
	// worker_retry_limit (see §4.1 Worker failure handling).
	RetryCount int `json:"retry_count"`
}

// WorkerState is a Worker's availability.
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
	WorkerDead WorkerState = "dead"
)

// Worker is an execution agent bound to at most one Task at a time.
type Worker struct {
	ID            string      `json:"id"`
	State         WorkerState `json:"state"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
}

// Severity is a Rule's configured response level.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarn      Severity = "warn"
	SeverityInterrupt Severity = "interrupt"
	SeverityRedirect  Severity = "redirect"
)

// Rule is a named (regex, severity, action) triple evaluated against the
// tail of the child's output. Static after load.
type Rule struct {
	ID                string   `json:"id"`
	Pattern           string   `json:"regex"`
	Severity          Severity `json:"severity"`
	CorrectiveMessage string   `json:"corrective_message,omitempty"`
	PhaseScope        string   `json:"phase_scope,omitempty"`
	// Escalating marks an interrupt rule for Ctrl-C escalation if the child
	// has not yielded after the grace period.
	Escalating bool `json:"escalating,omitempty"`
}

// Detection records one Rule match against a stream window. Emitted by the
// Stream Pipeline; never mutated afterward.
type Detection struct {
	RuleID         string    `json:"rule_id"`
	MatchedText    string    `json:"matched_text"`
	Timestamp      time.Time `json:"timestamp"`
	TaskID         string    `json:"task_id"`
	WindowSnapshot string    `json:"window_snapshot"`
	Severity       Severity  `json:"severity"`
}

// PhaseResult is the outcome of one Phase Run.
type PhaseResult string

const (
	PhaseSuccess   PhaseResult = "success"
	PhaseTimeout   PhaseResult = "timeout"
	PhaseViolation PhaseResult = "violation"
)

// PhaseDef describes a single named phase: its budget, tool restrictions,
// and gating artifact.
type PhaseDef struct {
	Name             string
	DurationMinutes  int
	AllowedTools     map[string]bool
	ForbiddenTools   map[string]bool
	OutputArtifact   string
	SuccessRegex     string
	Parallel         bool
}

// PhaseRun is one invocation of a PhaseDef.
type PhaseRun struct {
	PhaseName  string      `json:"phase_name"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
	Result     PhaseResult `json:"result"`
	Violations []Violation `json:"violations,omitempty"`
	TaskIDs    []string    `json:"task_ids,omitempty"`
}

// Violation records one tool-restriction breach observed during a Phase Run.
type Violation struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	TaskID    string    `json:"task_id"`
}

// EventKind enumerates the Event Log's event types.
type EventKind string

const (
	EventTaskStart        EventKind = "task_start"
	EventTaskUpdate        EventKind = "task_update"
	EventData             EventKind = "data"
	EventHeartbeat         EventKind = "heartbeat"
	EventExit              EventKind = "exit"
	EventDetection         EventKind = "detection"
	EventIntervention      EventKind = "intervention"
	EventToolCall          EventKind = "tool_call"
	EventSpawnChild        EventKind = "spawn_child"
	EventStall             EventKind = "stall"
	EventVerificationPass  EventKind = "verification_pass"
	EventVerificationFail  EventKind = "verification_fail"
	EventTaskComplete      EventKind = "task_complete"
	EventTaskFailed        EventKind = "task_failed"
	EventError             EventKind = "error"
	EventPhaseStart        EventKind = "phase_start"
	EventPhaseTimeout      EventKind = "phase_timeout"
	EventPhaseComplete     EventKind = "phase_complete"
	EventPhaseViolation    EventKind = "phase_violation"
)

// Event is one append-only log record. timestamp is ISO-8601 with
// milliseconds; events for the same task_id are never written out of
// timestamp order.
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	TaskID    string      `json:"task_id,omitempty"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Kind      EventKind   `json:"kind"`
	Payload   interface{} `json:"payload,omitempty"`
}
