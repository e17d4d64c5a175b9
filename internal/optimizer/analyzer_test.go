package optimizer

import (
	"context"
	"strings"
	"testing"
)

func TestHeuristicScores(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		taskType string
	}{
		{"security keyword", "patch the auth vulnerability", TaskSecurity},
		{"bugfix keyword", "fix the crash on startup", TaskBugfix},
		{"feature keyword", "implement dark mode", TaskFeature},
		{"refactor keyword", "refactor the storage layer", TaskRefactor},
		{"docs keyword", "update the readme", TaskDocs},
		{"japanese bugfix", "ログインのバグを直して", TaskBugfix},
		{"no keyword", "hello there", TaskOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HeuristicScores(tt.text)
			if got.TaskType != tt.taskType {
				t.Errorf("TaskType = %s, want %s", got.TaskType, tt.taskType)
			}
			// Always valid after clamping.
			if got.Total() < 0 || got.Total() > 50 {
				t.Errorf("Total = %d out of range", got.Total())
			}
		})
	}

	// Security pessimism: riskier than docs.
	if HeuristicScores("fix the cve").Total() <= HeuristicScores("update the readme").Total() {
		t.Error("security request scored no higher than docs")
	}
}

func TestAnalyze_NoProviderFallsBack(t *testing.T) {
	a := NewAnalyzer(nil, Analysis{})
	got := a.Analyze(context.Background(), "fix the broken login flow")
	if got.TaskType != TaskBugfix {
		t.Errorf("TaskType = %s, want bugfix via heuristic", got.TaskType)
	}
}

func TestSanitizeInput(t *testing.T) {
	in := "line one\nline\ttwo\x00\x07 end"
	got := sanitizeInput(in)
	if strings.ContainsAny(got, "\x00\x07") {
		t.Errorf("control characters survived: %q", got)
	}
	if !strings.Contains(got, "line one\nline\ttwo") {
		t.Errorf("newline/tab stripped: %q", got)
	}

	long := strings.Repeat("a", analyzerInputMaxChars+500)
	if got := sanitizeInput(long); len(got) > analyzerInputMaxChars {
		t.Errorf("input not truncated: %d chars", len(got))
	}
}
