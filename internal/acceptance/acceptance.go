// Package acceptance implements acceptance verification: the post-exit checks a Task's captured
// session must pass before it moves from verifying to complete. Checks run
// in a fixed declared order; any failure produces a structured report and
// the task lands in failed instead. Every check runs and accumulates into
// one Report rather than stopping at the first failure.
package acceptance

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agentctl/agentctl/internal/safety"
	"github.com/agentctl/agentctl/internal/types"
	"github.com/agentctl/agentctl/internal/worker"
)

// Config parameterizes the checker with its configured thresholds.
type Config struct {
	// MinFileBytes is acceptance_min_file_bytes (default 50).
	MinFileBytes int
	// TestInvocationPattern recognizes a test-invocation-shaped command in
	// the captured stream.
	// Defaults to common test runners across the pack's ecosystem (go test,
	// pytest, npm/yarn test, cargo test).
	TestInvocationPattern *regexp.Regexp
	// DeceptivePatterns are case-insensitive phrases that, found in output
	// alongside a missing expected file, demote a task to failed regardless
	// of exit code.
	DeceptivePatterns []string
	// Concurrency bounds how many custom predicates run in parallel.
	Concurrency int
}

// DefaultTestInvocationPattern matches common test-runner invocations
// across the major language ecosystems.
var DefaultTestInvocationPattern = regexp.MustCompile(
	`(?i)\b(go test|pytest|npm test|npm run test|yarn test|cargo test|go vet)\b`)

// DefaultDeceptivePatterns are the built-in phrases flagged as suspicious
// success claims when the declared artifact is absent.
var DefaultDeceptivePatterns = []string{
	"successfully created",
	"successfully wrote",
	"file has been created",
	"tests pass",
	"all tests passing",
}

func (c Config) withDefaults() Config {
	if c.MinFileBytes <= 0 {
		c.MinFileBytes = 50
	}
	if c.TestInvocationPattern == nil {
		c.TestInvocationPattern = DefaultTestInvocationPattern
	}
	if len(c.DeceptivePatterns) == 0 {
		c.DeceptivePatterns = DefaultDeceptivePatterns
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Report is the structured outcome of one verification run.
type Report struct {
	Passed bool
	// FailedChecks names each check that did not pass, in evaluation order.
	FailedChecks []string
	// Deceptive is set when the deceptive-claim scan fired; it always fails
	// the task regardless of any other check's outcome.
	Deceptive bool
}

func (r *Report) fail(check string) {
	r.Passed = false
	r.FailedChecks = append(r.FailedChecks, check)
}

// Checker evaluates a Task's AcceptanceCriteria against its session
// artifacts once the child has exited.
type Checker struct {
	cfg  Config
	pool *worker.Pool[types.CustomPredicate, bool]
}

// New constructs a Checker. cfg is completed with defaults for unset fields.
func New(cfg Config) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{cfg: cfg, pool: worker.NewPool[types.CustomPredicate, bool](cfg.Concurrency)}
}

// Verify runs every configured check against the session rooted at dir
// (paths are resolved relative to the controller's working directory),
// the task's exit code, and its captured stream output. It returns a
// Report describing which checks, if any, failed.
func (c *Checker) Verify(task *types.Task, dir string, exitCode int, output string) Report {
	report := Report{Passed: true}

	if exitCode != 0 {
		report.fail(fmt.Sprintf("exit_code=%d", exitCode))
	}

	missing := c.checkFilesExpected(task.Acceptance.FilesExpected, dir, &report)

	if task.Acceptance.TestsRequired {
		c.checkTestInvocation(output, task.Acceptance.TestsMustPass, exitCode, &report)
	}

	c.checkCustomPredicates(task.Acceptance.CustomPredicates, dir, &report)

	// Deceptive-claim scan: runs whenever at least one expected file is
	// missing or too small, independent of whether other checks already failed.
	if len(task.Acceptance.FilesExpected) > 0 && len(missing) > 0 {
		if phrase, ok := scanDeceptive(output, c.cfg.DeceptivePatterns); ok {
			report.Deceptive = true
			report.Passed = false
			report.FailedChecks = append(report.FailedChecks,
				fmt.Sprintf("deceptive_claim=%q despite missing %v", phrase, missing))
		}
	}

	return report
}

// checkFilesExpected verifies each expected path exists, is confined to
// dir, and is at least MinFileBytes. Returns the subset that are missing
// or too small, for use by the deceptive-claim scan.
func (c *Checker) checkFilesExpected(paths []string, dir string, report *Report) []string {
	var missing []string
	for _, rel := range paths {
		abs, err := safety.ConfinePath(dir, rel)
		if err != nil {
			report.fail(fmt.Sprintf("file_escape:%s", rel))
			missing = append(missing, rel)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			report.fail(fmt.Sprintf("file_missing:%s", rel))
			missing = append(missing, rel)
			continue
		}
		if info.Size() < int64(c.cfg.MinFileBytes) {
			report.fail(fmt.Sprintf("file_too_small:%s(%d<%d)", rel, info.Size(), c.cfg.MinFileBytes))
			missing = append(missing, rel)
		}
	}
	return missing
}

// checkTestInvocation verifies at least one test-invocation-shaped command
// was observed in the session's captured output, our proxy for "a test
// suite actually ran" absent a real process history, and that its exit
// code was 0 if TestsMustPass is set. We only have the overall child exit
// code available (the controller does not track per-command exit codes
// inside the PTY stream), so "its exit code" is read as the overall
// session's exit code, an implementation-defined reading recorded in
// DESIGN.md.
func (c *Checker) checkTestInvocation(output string, mustPass bool, exitCode int, report *Report) {
	if !c.cfg.TestInvocationPattern.MatchString(output) {
		report.fail("tests_required:no_invocation_observed")
		return
	}
	if mustPass && exitCode != 0 {
		report.fail(fmt.Sprintf("tests_must_pass:exit_code=%d", exitCode))
	}
}

// checkCustomPredicates runs every predicate concurrently via worker.Pool
// and fails the report for each predicate that returns false or errors.
func (c *Checker) checkCustomPredicates(predicates []types.CustomPredicate, dir string, report *Report) {
	if len(predicates) == 0 {
		return
	}
	results := c.pool.Process(predicates, func(predicate types.CustomPredicate) (bool, error) {
		ok, reason := predicate(dir)
		if !ok {
			return false, fmt.Errorf("%s", reason)
		}
		return true, nil
	})
	for i, r := range results {
		if r.Err != nil {
			report.fail(fmt.Sprintf("custom_predicate_%d:%v", i, r.Err))
		}
	}
}

// scanDeceptive returns the first configured phrase found in output
// (case-insensitive), if any.
func scanDeceptive(output string, phrases []string) (string, bool) {
	lower := strings.ToLower(output)
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
