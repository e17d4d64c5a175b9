package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/soracode/renga/internal/llmjson"
	"github.com/soracode/renga/internal/providers"
)

const evalTimeout = 30 * time.Second

const evalPrompt = `Rate the assistant response below against the task it was given.
Respond with ONLY a JSON object:
{"completion": 0.0-1.0, "quality": 0.0-1.0, "task_complexity": 0.0-1.0, "prompt_specificity": 0.0-1.0}

completion: how completely the task was addressed
quality: correctness and clarity of the answer
task_complexity: how demanding the task itself was
prompt_specificity: how precisely the task was specified

Task:
%s

Response:
%s`

// Evaluation is the inline score for one delegated call. All axes are
// in [0,1]; Inline is their mean.
type Evaluation struct {
	Completion        float64 `json:"completion"`
	Quality           float64 `json:"quality"`
	TaskComplexity    float64 `json:"task_complexity"`
	PromptSpecificity float64 `json:"prompt_specificity"`
	Inline            float64 `json:"inline_score"`
}

func (e *Evaluation) clamp() {
	clamp := func(v *float64) {
		if *v < 0 {
			*v = 0
		}
		if *v > 1 {
			*v = 1
		}
	}
	clamp(&e.Completion)
	clamp(&e.Quality)
	clamp(&e.TaskComplexity)
	clamp(&e.PromptSpecificity)
	e.Inline = (e.Completion + e.Quality + e.TaskComplexity + e.PromptSpecificity) / 4
}

// evaluate runs the lightweight scoring call. Returns nil when the
// call or parsing fails; delegation results never depend on it.
func evaluate(ctx context.Context, provider providers.Provider, model, task, response string) *Evaluation {
	if provider == nil {
		return nil
	}
	const inputCap = 2000
	if len(task) > inputCap {
		task = task[:inputCap]
	}
	if len(response) > inputCap {
		response = response[:inputCap]
	}

	ectx, cancelFn := context.WithTimeout(ctx, evalTimeout)
	defer cancelFn()

	resp, err := provider.Chat(ectx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: fmt.Sprintf(evalPrompt, task, response)}},
		Model:       model,
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		slog.Debug("inline evaluation skipped", "error", err)
		return nil
	}

	obj, err := llmjson.ParseObject(resp.Content)
	if err != nil {
		slog.Debug("inline evaluation unparseable", "error", err)
		return nil
	}
	raw, _ := json.Marshal(obj)
	var eval Evaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		return nil
	}
	eval.clamp()
	return &eval
}
