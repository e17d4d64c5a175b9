package profile

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent_rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRules_MixedRequiredWhen(t *testing.T) {
	path := writeRules(t, `
security:
  required_when:
    task_type: [security, bugfix]
    risk: 7
    complexity: 8.5
reviewer:
  always: true
docs-writer:
  skip_when:
    task_type: [security]
`)
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}

	sec := rules["security"]
	if sec == nil || sec.RequiredWhen == nil {
		t.Fatal("security rule missing required_when")
	}
	if !reflect.DeepEqual(sec.RequiredWhen.TaskTypes, []string{"security", "bugfix"}) {
		t.Errorf("task types %v", sec.RequiredWhen.TaskTypes)
	}
	want := map[string]float64{"risk": 7, "complexity": 8.5}
	if !reflect.DeepEqual(sec.RequiredWhen.Thresholds, want) {
		t.Errorf("thresholds %v, want %v", sec.RequiredWhen.Thresholds, want)
	}

	if rev := rules["reviewer"]; rev == nil || !rev.Always {
		t.Errorf("reviewer rule %+v", rev)
	}
	if dw := rules["docs-writer"]; dw == nil || dw.SkipWhen == nil ||
		!reflect.DeepEqual(dw.SkipWhen.TaskTypes, []string{"security"}) {
		t.Errorf("docs-writer rule %+v", dw)
	}
}

func TestLoadRules_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown score key", "a:\n  required_when:\n    urgency: 5\n"},
		{"non-numeric threshold", "a:\n  required_when:\n    risk: high\n"},
		{"task_type not a list", "a:\n  required_when:\n    task_type: security\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadRules(writeRules(t, tt.content)); err == nil {
				t.Error("invalid rules accepted")
			}
		})
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "agent_rules.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if rules == nil || len(rules) != 0 {
		t.Errorf("rules = %v, want empty map", rules)
	}
}
