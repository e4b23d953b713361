// Package rules implements the Rule Set as a declarative,
// schema-validated dataset loaded at startup, and the tail-window matcher
// the Stream Pipeline runs against every PTY chunk. Loading validates id
// uniqueness, severity enum membership, and regex compilation up front.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/agentctl/agentctl/internal/types"
)

// Rule mirrors types.Rule but with the regex pre-compiled.
type Rule struct {
	types.Rule
	re *regexp.Regexp
}

// Set is an ordered, validated collection of Rules. Rules are evaluated in
// declared order.
type Set struct {
	rules []Rule
	// maxMatchLen bounds the matcher's required overlap between reads so a
	// pattern split across two chunks at the tail-window boundary still
	// matches.
	maxMatchLen int
}

// rawRule is the YAML wire shape for a single rule entry.
type rawRule struct {
	ID                string `yaml:"id"`
	Regex             string `yaml:"regex"`
	Severity          string `yaml:"severity"`
	CorrectiveMessage string `yaml:"corrective_message"`
	PhaseScope        string `yaml:"phase_scope"`
	Escalating        bool   `yaml:"escalating"`
}

type rawFile struct {
	Rules []rawRule `yaml:"rules"`
}

var validSeverities = map[string]bool{
	string(types.SeverityInfo):      true,
	string(types.SeverityWarn):      true,
	string(types.SeverityInterrupt): true,
	string(types.SeverityRedirect):  true,
}

// Load reads and validates a rules file from path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	return build(raw.Rules)
}

// LoadBytes parses rule definitions already in memory (used by tests).
func LoadBytes(data []byte) (*Set, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	return build(raw.Rules)
}

func build(raw []rawRule) (*Set, error) {
	seen := make(map[string]bool, len(raw))
	s := &Set{}
	for _, r := range raw {
		if r.ID == "" {
			return nil, fmt.Errorf("rules: rule with empty id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rules: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if !validSeverities[r.Severity] {
			return nil, fmt.Errorf("rules: rule %q: invalid severity %q", r.ID, r.Severity)
		}

		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %q: invalid regex: %w", r.ID, err)
		}

		rule := Rule{
			Rule: types.Rule{
				ID:                r.ID,
				Pattern:           r.Regex,
				Severity:          types.Severity(r.Severity),
				CorrectiveMessage: r.CorrectiveMessage,
				PhaseScope:        r.PhaseScope,
				Escalating:        r.Escalating,
			},
			re: re,
		}
		s.rules = append(s.rules, rule)
		if n := approxMaxMatchLen(r.Regex); n > s.maxMatchLen {
			s.maxMatchLen = n
		}
	}
	return s, nil
}

// approxMaxMatchLen is a conservative heuristic: since Go's RE2 regexes
// don't expose a static max-match bound, cap the overlap window using the
// pattern's literal length times a small multiplier, with a floor so short
// patterns still get meaningful overlap.
func approxMaxMatchLen(pattern string) int {
	n := len(pattern) * 4
	if n < 64 {
		n = 64
	}
	if n > 4096 {
		n = 4096
	}
	return n
}

// Rules returns the ordered rule list (for validation reporting / tests).
func (s *Set) Rules() []Rule {
	return s.rules
}

// MaxMatchLen returns the overlap window the matcher requires.
func (s *Set) MaxMatchLen() int {
	if s.maxMatchLen == 0 {
		return 64
	}
	return s.maxMatchLen
}

// Match evaluates every rule against window in declared order and returns
// all matches found. PhaseScope, when non-empty, restricts a rule to only
// fire when phase equals that scope; phase == "" matches phase-agnostic
// rules only.
func (s *Set) Match(window string, phase string) []Match {
	var out []Match
	for _, r := range s.rules {
		if r.PhaseScope != "" && r.PhaseScope != phase {
			continue
		}
		loc := r.re.FindStringIndex(window)
		if loc == nil {
			continue
		}
		out = append(out, Match{
			Rule:        r.Rule,
			MatchedText: window[loc[0]:loc[1]],
		})
	}
	return out
}

// Match pairs a fired Rule with the literal text it matched.
type Match struct {
	Rule        types.Rule
	MatchedText string
}

// ValidationReport is the output of validating a rules file without
// constructing a full Set, used by `agentctl rules validate`.
type ValidationReport struct {
	Valid  bool
	Errors []string
}

// Validate loads and validates path, collecting every error found instead of
// stopping at the first (used for CI-friendly diagnostics).
func Validate(path string) ValidationReport {
	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationReport{Errors: []string{err.Error()}}
	}
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ValidationReport{Errors: []string{err.Error()}}
	}

	var errs []string
	seen := make(map[string]bool)
	ids := make([]string, 0, len(raw.Rules))
	for _, r := range raw.Rules {
		ids = append(ids, r.ID)
		if r.ID == "" {
			errs = append(errs, "rule with empty id")
		} else if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true
		if !validSeverities[r.Severity] {
			errs = append(errs, fmt.Sprintf("rule %q: invalid severity %q", r.ID, r.Severity))
		}
		if _, err := regexp.Compile(r.Regex); err != nil {
			errs = append(errs, fmt.Sprintf("rule %q: invalid regex: %v", r.ID, err))
		}
	}
	sort.Strings(ids)
	return ValidationReport{Valid: len(errs) == 0, Errors: errs}
}
