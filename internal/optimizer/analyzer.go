package optimizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode"

	"github.com/soracode/renga/internal/llmjson"
	"github.com/soracode/renga/internal/providers"
)

const analyzerInputMaxChars = 1000

const analyzerPrompt = `Score the following user request. Respond with ONLY a JSON object, no prose:
{"scope": 0-10, "novelty": 0.0-1.0, "risk": 0-10, "complexity": 0-10, "dependencies": 0-10, "task_type": "bugfix"|"feature"|"refactor"|"docs"|"security"|"other"}

scope: how much of the system the request touches
novelty: how unfamiliar the work is compared to routine requests
risk: potential for damage if done wrong
complexity: intellectual difficulty
dependencies: how many external systems or teams are involved

Request:
`

// Analyzer scores a user request. Primary path is one LLM call with a
// JSON-only prompt; when no provider is configured or the response is
// unparseable, a keyword heuristic supplies sensible defaults.
type Analyzer struct {
	provider providers.Provider // nil = heuristic only
	analysis Analysis
}

func NewAnalyzer(provider providers.Provider, analysis Analysis) *Analyzer {
	return &Analyzer{provider: provider, analysis: analysis}
}

// Analyze returns clamped TaskScores for the request text.
func (a *Analyzer) Analyze(ctx context.Context, text string) TaskScores {
	text = sanitizeInput(text)

	if a.provider != nil {
		if scores, ok := a.analyzeLLM(ctx, text); ok {
			return scores
		}
	}
	return HeuristicScores(text)
}

func (a *Analyzer) analyzeLLM(ctx context.Context, text string) (TaskScores, bool) {
	maxTokens := a.analysis.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	resp, err := a.provider.Chat(ctx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: analyzerPrompt + text}},
		Model:       a.analysis.Model,
		MaxTokens:   maxTokens,
		Temperature: a.analysis.Temperature,
	})
	if err != nil {
		slog.Warn("task analysis LLM call failed, using heuristic", "error", err)
		return TaskScores{}, false
	}

	obj, err := llmjson.ParseObject(resp.Content)
	if err != nil {
		slog.Warn("task analysis response unparseable, using heuristic", "error", err)
		return TaskScores{}, false
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return TaskScores{}, false
	}
	var scores TaskScores
	if err := json.Unmarshal(raw, &scores); err != nil {
		slog.Warn("task analysis fields malformed, using heuristic", "error", err)
		return TaskScores{}, false
	}
	scores.Clamp()
	return scores, true
}

// sanitizeInput truncates to the analyzer limit and strips control
// characters so the scoring prompt cannot be broken by raw input.
func sanitizeInput(text string) string {
	var sb strings.Builder
	for _, r := range text {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			sb.WriteRune(r)
		}
		if sb.Len() >= analyzerInputMaxChars {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}

var heuristicTaskTypes = []struct {
	taskType string
	keywords []string
}{
	{TaskSecurity, []string{"security", "vulnerability", "cve", "auth", "脆弱性"}},
	{TaskBugfix, []string{"bug", "fix", "broken", "crash", "error", "修正", "バグ"}},
	{TaskRefactor, []string{"refactor", "cleanup", "restructure", "リファクタ"}},
	{TaskDocs, []string{"document", "docs", "readme", "comment", "ドキュメント"}},
	{TaskFeature, []string{"add", "implement", "create", "build", "feature", "新機能", "追加"}},
}

// HeuristicScores is the no-LLM fallback: keyword classes map to
// conservative defaults.
func HeuristicScores(text string) TaskScores {
	lower := strings.ToLower(text)

	scores := TaskScores{
		Scope:        2,
		Novelty:      0.3,
		Risk:         2,
		Complexity:   2,
		Dependencies: 1,
		TaskType:     TaskOther,
	}

	for _, entry := range heuristicTaskTypes {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				scores.TaskType = entry.taskType
				break
			}
		}
		if scores.TaskType != TaskOther {
			break
		}
	}

	switch scores.TaskType {
	case TaskSecurity:
		scores.Risk = 7
		scores.Complexity = 5
	case TaskBugfix:
		scores.Risk = 4
		scores.Complexity = 3
	case TaskFeature:
		scores.Scope = 4
		scores.Novelty = 0.5
		scores.Complexity = 4
	case TaskRefactor:
		scores.Scope = 5
		scores.Risk = 3
	case TaskDocs:
		scores.Risk = 1
		scores.Complexity = 1
	}

	// Long requests tend to describe bigger work.
	if len(text) > 500 {
		scores.Scope++
		scores.Complexity++
	}

	scores.Clamp()
	return scores
}
