// Package agent is the single-agent turn loop: compose the system
// prompt, call the provider, execute requested tools through the
// dispatcher, and iterate until the model produces a final answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soracode/renga/internal/cancel"
	"github.com/soracode/renga/internal/costs"
	"github.com/soracode/renga/internal/memory"
	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/providers"
	"github.com/soracode/renga/internal/tools"
)

// Loop and context defaults.
const (
	defaultMaxIterations  = 25
	defaultPreserveRecent = 10
	maxMessageChars       = 32_000
	recallTopK            = 3
	recallTimeout         = 10 * time.Second
)

// Progress kinds emitted to the observer callback while a run is in
// flight. Non-authoritative; the returned text is the truth.
const (
	ProgressChunk    = "chunk"
	ProgressThinking = "thinking"
	ProgressTool     = "tool"
	ProgressDelegate = "delegate"
	ProgressRecall   = "recall"
)

// Progress is one observer event.
type Progress struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// ProgressFunc observes a run. May be nil.
type ProgressFunc func(Progress)

// RunRequest is one invocation of an agent.
type RunRequest struct {
	Agent     *profile.AgentConfig
	Input     string
	History   []providers.Message // summary-compressed upstream
	SessionID string
	Call      CallContext
	Stream    bool
	OnProgress ProgressFunc
}

// RunStats are the measurable side effects of one run.
type RunStats struct {
	Usage       providers.Usage
	ToolCalls   int
	Errors      int
	Retries     int
	DurationMS  int64
	PartialText string // preserved when the run fails mid-stream
}

// Runtime drives one agent through its tool-call loop. Safe for
// concurrent Run calls; all per-run state lives on the stack.
type Runtime struct {
	provider   providers.Provider
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	cancels    *cancel.Registry
	recall     *memory.Index // optional
	costs      *costs.Tracker // optional
	model      string
	budget     int
	maxIter    int
	logger     *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithModel overrides the provider's default model.
func WithModel(model string) RuntimeOption {
	return func(r *Runtime) { r.model = model }
}

// WithRecall enables semantic recall against the given index.
func WithRecall(idx *memory.Index) RuntimeOption {
	return func(r *Runtime) { r.recall = idx }
}

// WithCostTracker records usage into the spend ledger.
func WithCostTracker(t *costs.Tracker) RuntimeOption {
	return func(r *Runtime) { r.costs = t }
}

// WithRunBudget overrides the per-run token budget.
func WithRunBudget(tokens int) RuntimeOption {
	return func(r *Runtime) { r.budget = tokens }
}

// WithMaxIterations bounds the tool-call loop.
func WithMaxIterations(n int) RuntimeOption {
	return func(r *Runtime) { r.maxIter = n }
}

func NewRuntime(provider providers.Provider, registry *tools.Registry, dispatcher *tools.Dispatcher, cancels *cancel.Registry, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		cancels:    cancels,
		maxIter:    defaultMaxIterations,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one agent turn and returns the final assistant text.
// Budget exhaustion is not an error: the model is directed to finalize.
// Cancellation surfaces as a cancel.CancelledError; on any error the
// partial text produced so far is preserved in RunStats.
func (r *Runtime) Run(ctx context.Context, req RunRequest) (string, *RunStats, error) {
	start := time.Now()
	stats := &RunStats{}
	defer func() { stats.DurationMS = time.Since(start).Milliseconds() }()

	tracker := tools.NewCallTracker(0, 0)
	budget := tools.NewBudgetAccountant(r.budget)

	hits := r.semanticRecall(ctx, req)
	system := ComposePrompt(req.Agent, req.Call, hits, "", "")

	input := req.Input
	if req.Call.Guidance != "" {
		input = req.Call.Guidance + "\n\n" + input
	}

	working := make([]providers.Message, 0, len(req.History)+2)
	working = append(working, providers.Message{Role: "system", Content: system})
	working = append(working, sanitizeHistory(req.History)...)
	working = append(working, providers.Message{Role: "user", Content: input})
	budget.Reset(estimateMessages(working))

	allowed := allowedSet(req.Agent.AllowedTools)
	defs := r.registry.ProviderDefs(allowed)

	var partial strings.Builder
	for iter := 0; iter < r.maxIter; iter++ {
		if err := r.checkCancel(req.Call.JobID); err != nil {
			stats.PartialText = partial.String()
			return "", stats, err
		}

		resp, err := r.chat(ctx, req, working, defs, &partial)
		if err != nil {
			stats.Errors++
			stats.PartialText = partial.String()
			return "", stats, fmt.Errorf("agent %s: provider call: %w", req.Agent.Name, err)
		}
		stats.Usage.Add(resp.Usage)
		r.trackCost(req, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return resp.Content, stats, nil
		}

		working = append(working, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := r.execToolCalls(ctx, req, resp.ToolCalls, tracker, budget, stats)
		if err != nil {
			stats.PartialText = partial.String()
			return "", stats, err
		}
		working = append(working, results...)

		if budget.Pressured() {
			working = r.compactWorking(ctx, req, working, budget)
		}
	}

	stats.PartialText = partial.String()
	return "", stats, fmt.Errorf("agent %s: tool loop exceeded %d iterations", req.Agent.Name, r.maxIter)
}

func (r *Runtime) chat(ctx context.Context, req RunRequest, working []providers.Message, defs []providers.ToolDefinition, partial *strings.Builder) (*providers.ChatResponse, error) {
	chatReq := providers.ChatRequest{
		Messages: working,
		Tools:    defs,
		Model:    r.model,
	}

	if !req.Stream {
		return r.provider.Chat(ctx, chatReq)
	}

	partial.Reset()
	return r.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		switch {
		case chunk.Content != "":
			partial.WriteString(chunk.Content)
			emit(req.OnProgress, Progress{Kind: ProgressChunk, Text: chunk.Content})
		case chunk.Thinking != "":
			emit(req.OnProgress, Progress{Kind: ProgressThinking, Text: chunk.Thinking})
		}
	})
}

// execToolCalls runs one assistant turn's tool calls. Calls whose tools
// all declare Parallel run concurrently; results settle in slot order
// regardless. The error return fires only for cancellation.
func (r *Runtime) execToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, tracker *tools.CallTracker, budget *tools.BudgetAccountant, stats *RunStats) ([]providers.Message, error) {
	stats.ToolCalls += len(calls)
	for _, tc := range calls {
		emit(req.OnProgress, Progress{Kind: ProgressTool, Tool: tc.Name})
	}

	type indexed struct {
		i      int
		result *tools.Result
		err    error
	}

	dispatch := func(tc providers.ToolCall) (*tools.Result, error) {
		return r.dispatcher.Dispatch(ctx, tools.Call{
			Tool:      tc.Name,
			Args:      tc.Arguments,
			SessionID: req.SessionID,
			JobID:     req.Call.JobID,
		}, tracker, budget)
	}

	var settled []indexed
	if len(calls) > 1 && r.allParallel(calls) {
		ch := make(chan indexed, len(calls))
		for i, tc := range calls {
			go func(i int, tc providers.ToolCall) {
				res, err := dispatch(tc)
				ch <- indexed{i: i, result: res, err: err}
			}(i, tc)
		}
		for range calls {
			settled = append(settled, <-ch)
		}
		sort.Slice(settled, func(a, b int) bool { return settled[a].i < settled[b].i })
	} else {
		for i, tc := range calls {
			res, err := dispatch(tc)
			settled = append(settled, indexed{i: i, result: res, err: err})
			if err != nil {
				break
			}
		}
	}

	msgs := make([]providers.Message, 0, len(settled))
	for _, s := range settled {
		if s.err != nil {
			return nil, s.err
		}
		if s.result.IsError {
			stats.Errors++
		}
		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    s.result.ForLLM,
			ToolCallID: calls[s.i].ID,
		})
	}
	return msgs, nil
}

func (r *Runtime) allParallel(calls []providers.ToolCall) bool {
	for _, tc := range calls {
		d, ok := r.registry.Get(tc.Name)
		if !ok || !d.Parallel {
			return false
		}
	}
	return true
}

// compactWorking folds the middle of the working list into a one-shot
// summary message, preserving the system prompt and the most recent
// messages, then re-seeds the accountant. On summarization failure the
// list is returned unchanged; the budget's hard stop still protects
// the run.
func (r *Runtime) compactWorking(ctx context.Context, req RunRequest, working []providers.Message, budget *tools.BudgetAccountant) []providers.Message {
	keep := defaultPreserveRecent
	if len(working) <= keep+2 {
		return working
	}

	fold := working[1 : len(working)-keep]
	var sb strings.Builder
	for _, m := range fold {
		switch m.Role {
		case "tool":
			fmt.Fprintf(&sb, "tool result (%s): %d chars\n", m.ToolCallID, len(m.Content))
		default:
			if m.Content != "" {
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
			}
		}
	}

	sctx, cancelFn := context.WithTimeout(ctx, 60*time.Second)
	defer cancelFn()
	resp, err := r.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: "Provide a concise summary of this conversation so far, preserving key facts, decisions, and open tasks:\n\n" + sb.String(),
		}},
		Model:       r.model,
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		r.logger.Warn("mid-run compaction failed, continuing uncompacted",
			"session", req.SessionID, "error", err)
		return working
	}

	compacted := make([]providers.Message, 0, keep+2)
	compacted = append(compacted, working[0])
	compacted = append(compacted, providers.Message{
		Role:    "user",
		Content: "[Previous conversation summary]\n" + strings.TrimSpace(resp.Content),
	})
	compacted = append(compacted, working[len(working)-keep:]...)

	budget.Reset(estimateMessages(compacted))
	r.logger.Info("working context compacted",
		"session", req.SessionID, "folded", len(fold), "kept", keep)
	return compacted
}

func (r *Runtime) semanticRecall(ctx context.Context, req RunRequest) []memory.Hit {
	if r.recall == nil {
		return nil
	}
	rctx, cancelFn := context.WithTimeout(ctx, recallTimeout)
	defer cancelFn()

	hits, err := r.recall.Search(rctx, req.Input, recallTopK)
	if err != nil {
		r.logger.Debug("semantic recall unavailable", "error", err)
		return nil
	}
	if len(hits) > 0 {
		emit(req.OnProgress, Progress{Kind: ProgressRecall, Text: fmt.Sprintf("%d related snippets", len(hits))})
	}
	return hits
}

func (r *Runtime) trackCost(req RunRequest, usage *providers.Usage) {
	if r.costs == nil || usage == nil {
		return
	}
	model := r.model
	if model == "" {
		model = r.provider.DefaultModel()
	}
	if err := r.costs.Track(r.provider.Name(), model, req.SessionID, req.Agent.Name, usage); err != nil {
		r.logger.Warn("cost budget", "error", err)
	}
}

func (r *Runtime) checkCancel(jobID string) error {
	if r.cancels == nil || jobID == "" {
		return nil
	}
	return r.cancels.Check(jobID)
}

// sanitizeHistory drops empty messages, strips orphaned tool results
// (a tool message whose preceding assistant turn is absent confuses
// providers), and truncates oversized content.
func sanitizeHistory(history []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	pendingToolIDs := map[string]bool{}
	for _, m := range history {
		if m.Role == "tool" {
			if !pendingToolIDs[m.ToolCallID] {
				continue
			}
			delete(pendingToolIDs, m.ToolCallID)
		} else if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			pendingToolIDs[tc.ID] = true
		}
		if len(m.Content) > maxMessageChars {
			m.Content = m.Content[:maxMessageChars] + "\n[... message truncated ...]"
		}
		out = append(out, m)
	}
	return out
}

func allowedSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil // all tools
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func estimateMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += tools.EstimateTokens(m.Content)
	}
	return total
}

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
