package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/soracode/renga/internal/memory"
	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/skills"
)

func TestComposePrompt_Placeholders(t *testing.T) {
	cfg := &profile.AgentConfig{
		Name:         "coder",
		SystemPrompt: "Today is {{CURRENT_DATETIME}}.\nContext: {{SESSION_CONTEXT}}\nStats: {{AGENT_STATS}}",
	}
	got := ComposePrompt(cfg, CallContext{}, nil, "mid-sprint", "3 runs")

	if strings.Contains(got, "{{") {
		t.Errorf("unresolved placeholder in prompt:\n%s", got)
	}
	if !strings.Contains(got, "Context: mid-sprint") || !strings.Contains(got, "Stats: 3 runs") {
		t.Error("session context or stats not substituted")
	}
	year := time.Now().Format("2006")
	if !strings.Contains(got, "Today is "+year) {
		t.Error("datetime not substituted")
	}
	if !strings.HasPrefix(got, "# Common Agent Rules") {
		t.Error("common rules not prepended")
	}
}

func TestComposePrompt_Sections(t *testing.T) {
	cfg := &profile.AgentConfig{Name: "coder", SystemPrompt: "You write code."}
	call := CallContext{
		WorkingDirectory: "/srv/repo",
		ActiveSkills: []*skills.Skill{
			{Name: "git-flow", Description: "branching conventions", Content: "Use feature branches."},
		},
	}
	hits := []memory.Hit{
		{Entry: memory.Entry{Text: "prod deploys happen on Fridays", Source: "runbook.md"}},
	}
	got := ComposePrompt(cfg, call, hits, "", "")

	if !strings.Contains(got, "Working directory: /srv/repo") {
		t.Error("working directory section missing")
	}
	if !strings.Contains(got, "# Active Skills") || !strings.Contains(got, "## git-flow") ||
		!strings.Contains(got, "Use feature branches.") {
		t.Error("skills section incomplete")
	}
	if !strings.Contains(got, "# Related Knowledge") ||
		!strings.Contains(got, "prod deploys happen on Fridays (source: runbook.md)") {
		t.Error("recall section incomplete")
	}
}

func TestComposePrompt_OmitsEmptySections(t *testing.T) {
	cfg := &profile.AgentConfig{Name: "coder", SystemPrompt: "You write code."}
	got := ComposePrompt(cfg, CallContext{}, nil, "", "")

	for _, section := range []string{"Working directory:", "# Active Skills", "# Related Knowledge"} {
		if strings.Contains(got, section) {
			t.Errorf("empty section %q rendered", section)
		}
	}
}
