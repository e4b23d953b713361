package rules

import (
	"os"
	"testing"

	"github.com/agentctl/agentctl/internal/types"
)

const sampleYAML = `
rules:
  - id: planning-language
    regex: '\bI would\b'
    severity: interrupt
    corrective_message: "Stop planning. Create the file now."
  - id: tool-log
    regex: 'TOOL_INVOCATION:'
    severity: info
`

func TestLoadBytesValid(t *testing.T) {
	set, err := LoadBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	if len(set.Rules()) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules()))
	}
}

func TestLoadBytesDuplicateID(t *testing.T) {
	_, err := LoadBytes([]byte(`
rules:
  - id: dup
    regex: 'a'
    severity: info
  - id: dup
    regex: 'b'
    severity: info
`))
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestLoadBytesInvalidSeverity(t *testing.T) {
	_, err := LoadBytes([]byte(`
rules:
  - id: x
    regex: 'a'
    severity: catastrophic
`))
	if err == nil {
		t.Fatal("expected error for invalid severity")
	}
}

func TestLoadBytesInvalidRegex(t *testing.T) {
	_, err := LoadBytes([]byte(`
rules:
  - id: x
    regex: '('
    severity: info
`))
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestMatchOrderedAndScoped(t *testing.T) {
	set, err := LoadBytes([]byte(`
rules:
  - id: a
    regex: 'foo'
    severity: warn
  - id: b
    regex: 'bar'
    severity: warn
    phase_scope: research
`))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	matches := set.Match("foo bar", "")
	if len(matches) != 1 || matches[0].Rule.ID != "a" {
		t.Fatalf("expected only rule a to match outside research phase, got %+v", matches)
	}

	matches = set.Match("foo bar", "research")
	if len(matches) != 2 {
		t.Fatalf("expected both rules to match in research phase, got %+v", matches)
	}
	if matches[0].Rule.ID != "a" || matches[1].Rule.ID != "b" {
		t.Fatalf("expected declared order a,b, got %+v", matches)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	tmp := t.TempDir() + "/rules.yaml"
	writeFile(t, tmp, `
rules:
  - id: ""
    regex: '('
    severity: bogus
`)
	report := Validate(tmp)
	if report.Valid {
		t.Fatal("expected invalid report")
	}
	if len(report.Errors) == 0 {
		t.Fatal("expected collected errors")
	}
}

func TestSeverityValuesMatchTypes(t *testing.T) {
	for _, sev := range []types.Severity{
		types.SeverityInfo, types.SeverityWarn, types.SeverityInterrupt, types.SeverityRedirect,
	} {
		if !validSeverities[string(sev)] {
			t.Errorf("severity %q missing from validSeverities", sev)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
