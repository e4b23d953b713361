// Package phase implements the Phase Controller: a fixed, named sequence
// of tasks run through the Supervisor, each with its own time budget, tool
// restrictions, and gating output artifact. Advances through
// research/planning/execution/integration, watching for each phase's
// artifact via fsnotify with a polling fallback.
package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentctl/agentctl/internal/ctlerr"
	"github.com/agentctl/agentctl/internal/safety"
	"github.com/agentctl/agentctl/internal/supervisor"
	"github.com/agentctl/agentctl/internal/types"
)

// SubmitOptions is an alias of supervisor.SubmitOptions so callers building
// phase sequences do not need to import internal/supervisor directly.
type SubmitOptions = supervisor.SubmitOptions

// DefaultSequence is the default research/planning/execution/integration
// four-phase cycle.
func DefaultSequence() []types.PhaseDef {
	return []types.PhaseDef{
		{
			Name:            "research",
			DurationMinutes: 3,
			AllowedTools:    toolSet("read", "search", "grep", "glob"),
			ForbiddenTools:  toolSet("write", "edit"),
			OutputArtifact:  "research-findings.md",
		},
		{
			Name:            "planning",
			DurationMinutes: 3,
			AllowedTools:    toolSet("read"),
			ForbiddenTools:  toolSet("write", "search"),
			OutputArtifact:  "task-plan.json",
		},
		{
			Name:            "execution",
			DurationMinutes: 10,
			AllowedTools:    toolSet("write", "mkdir"),
			ForbiddenTools:  toolSet("read", "search"),
			OutputArtifact:  "implementation/*",
			Parallel:        true,
		},
		{
			Name:            "integration",
			DurationMinutes: 3,
			AllowedTools:    toolSet("read", "write", "edit"),
			ForbiddenTools:  toolSet("search"),
			OutputArtifact:  "integrated-solution.*",
		},
	}
}

func toolSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// planningLanguagePrefixes lists the execution-phase planning phrases that
// the shipped rules.yaml matches with phase-scoped interrupt rules. Matching
// happens via the Rule Set; Controller does not consult this list.
var planningLanguagePrefixes = []string{"I would", "Let me think"}

// CycleResult is the outcome of running a full phase sequence.
type CycleResult struct {
	Runs     []types.PhaseRun
	Degraded bool
	Failed   bool
	// FailedPhase is set when the cycle aborted early.
	FailedPhase string
}

// Controller sequences a fixed set of PhaseDefs through a Supervisor.
type Controller struct {
	sv       *supervisor.Supervisor
	log      *zap.SugaredLogger
	phases   []types.PhaseDef
	pollTick time.Duration

	mu      sync.Mutex
	current *types.PhaseDef
	viol    []types.Violation
}

// New constructs a Controller over sv running sequence, a sv.SetToolCallHook
// registration enforcing tool restrictions for whichever phase is active.
func New(sv *supervisor.Supervisor, log *zap.SugaredLogger, sequence []types.PhaseDef) *Controller {
	c := &Controller{
		sv:       sv,
		log:      log,
		phases:   sequence,
		pollTick: time.Second,
	}
	sv.SetToolCallHook(c.onToolCall)
	return c
}

// onToolCall is the Supervisor's tool-call hook:
// any invocation of a forbidden tool during the active phase immediately
// triggers an intervention and is recorded as a violation.
func (c *Controller) onToolCall(workerID, taskID string, payload map[string]any) {
	c.mu.Lock()
	phaseDef := c.current
	c.mu.Unlock()
	if phaseDef == nil {
		return
	}
	tool, _ := payload["tool"].(string)
	if tool == "" || !phaseDef.ForbiddenTools[tool] {
		return
	}

	c.mu.Lock()
	c.viol = append(c.viol, types.Violation{Timestamp: time.Now().UTC(), Tool: tool, TaskID: taskID})
	c.mu.Unlock()

	msg := fmt.Sprintf("Forbidden tool %q used during phase %q. Stop and respect the phase's tool restrictions.", tool, phaseDef.Name)
	if err := c.sv.Intervene(taskID, msg); err != nil {
		c.log.Warnw("phase tool-restriction intervention failed", "task_id", taskID, "tool", tool, "error", err)
	}
}

// Run executes the full sequence starting from the given initial prompt.
// Aborts on the first phase failure.
func (c *Controller) Run(ctx context.Context, initialPrompt string) (CycleResult, error) {
	var result CycleResult
	chainInput := initialPrompt

	for i := range c.phases {
		def := c.phases[i]
		c.mu.Lock()
		c.current = &def
		c.viol = nil
		c.mu.Unlock()

		run, artifactText, err := c.runPhase(ctx, def, chainInput)
		result.Runs = append(result.Runs, run)
		if err != nil {
			result.Failed = true
			result.FailedPhase = def.Name
			return result, err
		}
		if run.Result != types.PhaseSuccess {
			result.Failed = true
			result.FailedPhase = def.Name
			return result, fmt.Errorf("%w: phase %s", ctlerr.ErrPhaseTimeout, def.Name)
		}
		if artifactText == "" {
			result.Degraded = true
		}
		chainInput = artifactText
	}
	return result, nil
}

// runPhase runs a single, possibly parallel, phase to completion.
func (c *Controller) runPhase(ctx context.Context, def types.PhaseDef, chainInput string) (types.PhaseRun, string, error) {
	run := types.PhaseRun{PhaseName: def.Name, StartedAt: time.Now().UTC()}

	prompts := c.promptsFor(def, chainInput)
	var taskIDs []string
	for _, p := range prompts {
		id, err := c.sv.Submit(p, SubmitOptions{PhaseScope: def.Name})
		if err != nil {
			run.EndedAt = time.Now().UTC()
			run.Result = types.PhaseViolation
			return run, "", fmt.Errorf("phase %s: submit: %w", def.Name, err)
		}
		taskIDs = append(taskIDs, id)
	}
	run.TaskIDs = taskIDs

	deadline := time.Duration(def.DurationMinutes) * time.Minute
	phaseCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	artifacts, ok := c.waitForArtifacts(phaseCtx, def)

	for _, id := range taskIDs {
		_ = c.sv.Kill(id, "phase_complete")
	}

	c.mu.Lock()
	run.Violations = append([]types.Violation(nil), c.viol...)
	c.mu.Unlock()

	run.EndedAt = time.Now().UTC()
	if !ok {
		run.Result = types.PhaseTimeout
		return run, "", nil
	}
	run.Result = types.PhaseSuccess
	return run, artifacts, nil
}

// promptsFor builds one prompt per sub-task. Non-parallel phases produce
// exactly one; the parallel execution phase splits
// chainInput's plan into orthogonal sub-task prompts, one per line of the
// chained plan text that looks like a task entry.
func (c *Controller) promptsFor(def types.PhaseDef, chainInput string) []string {
	base := phaseSystemMessage(def) + "\n\n" + chainInput
	if !def.Parallel {
		return []string{base}
	}
	subtasks := splitPlanLines(chainInput)
	if len(subtasks) == 0 {
		return []string{base}
	}
	prompts := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		prompts = append(prompts, phaseSystemMessage(def)+"\n\n"+st)
	}
	return prompts
}

// splitPlanLines extracts non-empty, non-header lines (a header being a
// line starting with "#") from a plan text, treated as orthogonal sub-task
// descriptions.
func splitPlanLines(plan string) []string {
	var out []string
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func phaseSystemMessage(def types.PhaseDef) string {
	var allowed, forbidden []string
	for t := range def.AllowedTools {
		allowed = append(allowed, t)
	}
	for t := range def.ForbiddenTools {
		forbidden = append(forbidden, t)
	}
	return fmt.Sprintf(
		"You are in the %q phase. Allowed tools: %s. Forbidden tools: %s. Produce %s before finishing.",
		def.Name, strings.Join(allowed, ", "), strings.Join(forbidden, ", "), def.OutputArtifact,
	)
}

// waitForArtifacts blocks until def.OutputArtifact exists under the
// Supervisor's work directory, or ctx is done. Returns the
// concatenated contents of matched files and true on success.
func (c *Controller) waitForArtifacts(ctx context.Context, def types.PhaseDef) (string, bool) {
	if err := safety.ValidateGlob(def.OutputArtifact); err != nil {
		c.log.Warnw("phase artifact pattern rejected", "phase", def.Name, "error", err)
		return "", false
	}
	dir := filepath.Dir(c.sv.ArtifactPath(def.OutputArtifact))
	_ = os.MkdirAll(dir, 0o755)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(dir)
	} else {
		c.log.Warnw("fsnotify watcher unavailable, falling back to pure polling", "error", err)
	}

	ticker := time.NewTicker(c.pollTick)
	defer ticker.Stop()

	if text, ok := c.readArtifactIfPresent(def); ok {
		return text, true
	}

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
			if text, ok := c.readArtifactIfPresent(def); ok {
				return text, true
			}
		case <-events:
			if text, ok := c.readArtifactIfPresent(def); ok {
				return text, true
			}
		}
	}
}

// readArtifactIfPresent checks whether def.OutputArtifact (a path or a
// glob) has at least one matching, non-empty file, and if so returns the
// concatenated contents of all matches.
func (c *Controller) readArtifactIfPresent(def types.PhaseDef) (string, bool) {
	pattern := c.sv.ArtifactPath(def.OutputArtifact)
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}

	var sb strings.Builder
	found := false
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteByte('\n')
		found = true
	}
	if !found {
		return "", false
	}
	return sb.String(), true
}
