package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soracode/renga/internal/memory"
	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/skills"
)

// commonRules is prepended to every agent's instructions. It fixes the
// cross-agent protocol: the interrupted-task schema, the obligation to
// follow continue instructions in truncated tool output, and the
// handoff rule for interrupted delegate responses.
const commonRules = `# Common Agent Rules

1. When a context-limit notice tells you to stop calling tools, finish immediately.
   If the task is not complete, end your answer with a JSON block describing the
   remaining work so another run can pick it up:
   ` + "```json" + `
   {"interrupted": true, "completed": "<what was done>", "remaining": "<what is left>", "artifacts": ["<paths>"]}
   ` + "```" + `
2. When a tool result contains a "[Next step: ...]" instruction, the output was
   truncated. Follow that instruction to read the rest before concluding anything
   from the preview.
3. When a delegate hands you a response containing an interrupted-task JSON block,
   either continue the remaining work yourself or surface the block verbatim to
   your caller. Never silently drop it.`

// CallContext carries per-call state down the delegation chain
// explicitly, instead of mutating runtime attributes.
type CallContext struct {
	ActiveSkills     []*skills.Skill
	WorkingDirectory string
	JobID            string
	Guidance         string // optimizer guidance block, orchestrator agent only
}

// ComposePrompt builds the full system prompt for one run.
func ComposePrompt(cfg *profile.AgentConfig, call CallContext, recall []memory.Hit, sessionContext, agentStats string) string {
	var sb strings.Builder
	sb.WriteString(commonRules)
	sb.WriteString("\n\n")

	body := cfg.SystemPrompt
	body = strings.ReplaceAll(body, "{{CURRENT_DATETIME}}", time.Now().Format("2006-01-02 15:04:05 MST"))
	body = strings.ReplaceAll(body, "{{SESSION_CONTEXT}}", sessionContext)
	body = strings.ReplaceAll(body, "{{AGENT_STATS}}", agentStats)
	sb.WriteString(body)

	if call.WorkingDirectory != "" {
		fmt.Fprintf(&sb, "\n\nWorking directory: %s\nAll relative paths resolve against it.", call.WorkingDirectory)
	}

	if len(call.ActiveSkills) > 0 {
		sb.WriteString("\n\n# Active Skills\n")
		for _, s := range call.ActiveSkills {
			fmt.Fprintf(&sb, "\n## %s\n%s\n\n%s\n", s.Name, s.Description, s.Content)
		}
	}

	if len(recall) > 0 {
		sb.WriteString("\n\n# Related Knowledge\n")
		for _, h := range recall {
			fmt.Fprintf(&sb, "- %s", h.Text)
			if h.Source != "" {
				fmt.Fprintf(&sb, " (source: %s)", h.Source)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
