// Package orchestrator is the entry point of a request: it ensures the
// session, consults the optimizer, routes to the entry agent, fans out
// delegations found in the reply, and records what happened.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soracode/renga/internal/agent"
	"github.com/soracode/renga/internal/cancel"
	"github.com/soracode/renga/internal/optimizer"
	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/providers"
	"github.com/soracode/renga/internal/sessions"
	"github.com/soracode/renga/internal/skills"
)

// History limits.
const (
	mainHistoryLimit = 50
	subHistoryLimit  = 10

	// Background roll kicks in once this many messages sit above the
	// summary cut-off.
	rollThreshold = 30
)

// delegationTrailer labels the inline-evaluation line appended to each
// delegate's return text.
const delegationTrailer = "【サブエージェント評価】"

// summaryHeader opens the final human-facing wrap-up after fan-out.
const summaryHeader = "## まとめ"

// Orchestrator wires the runtime, store, optimizer, and skills into
// the process() entry point.
type Orchestrator struct {
	store      *sessions.Store
	summarizer *sessions.Summarizer
	runtime    *agent.Runtime
	optimizer  *optimizer.Optimizer
	profile    *profile.Profile
	skills     *skills.Loader
	cancels    *cancel.Registry
	provider   providers.Provider // inline evaluation + summaries
	evalModel  string
	workingDir string
	logger     *slog.Logger
}

// Options configures an Orchestrator.
type Options struct {
	Store      *sessions.Store
	Summarizer *sessions.Summarizer
	Runtime    *agent.Runtime
	Optimizer  *optimizer.Optimizer
	Profile    *profile.Profile
	Skills     *skills.Loader
	Cancels    *cancel.Registry
	Provider   providers.Provider
	EvalModel  string
	WorkingDir string
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:      opts.Store,
		summarizer: opts.Summarizer,
		runtime:    opts.Runtime,
		optimizer:  opts.Optimizer,
		profile:    opts.Profile,
		skills:     opts.Skills,
		cancels:    opts.Cancels,
		provider:   opts.Provider,
		evalModel:  opts.EvalModel,
		workingDir: opts.WorkingDir,
		logger:     slog.Default(),
	}
}

// Result is the outcome of one Process call.
type Result struct {
	SessionID string
	Text      string
	Cancelled bool
	MetricID  int64
}

// delegateOutcome is one finished delegation.
type delegateOutcome struct {
	agent      string
	text       string // formatted return text, substituted into the reply
	exec       optimizer.ExecutionRecord
	failed     bool
	cancelled  bool
}

// Process handles one user request end to end. A missing sessionID
// creates a new session. The session ID doubles as the cancellation
// job ID for the whole request, children included.
func (o *Orchestrator) Process(ctx context.Context, input, sessionID string, onProgress agent.ProgressFunc) (*Result, error) {
	started := time.Now()

	sess, err := o.ensureSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sessionID = sess.ID
	o.cancels.Create(sessionID)
	defer o.cancels.Clear(sessionID)

	// Sessions may pin their own working directory via metadata.
	workDir := o.workingDir
	if wd := sess.Metadata["working_dir"]; wd != "" {
		workDir = wd
	}

	// Pin operations to the workspace before the model sees the text.
	userText := input
	if workDir != "" {
		userText = fmt.Sprintf("[Working directory: %s]\n%s", workDir, input)
	}

	scores, selection := o.optimizer.Plan(ctx, input, o.profile.Rules, o.profile.AgentNames())

	if err := o.store.AppendMessage(ctx, sessionID, providers.Message{Role: "user", Content: userText}); err != nil {
		return nil, err
	}

	text, execs, err := o.route(ctx, userText, sessionID, workDir, scores, selection, onProgress)
	if err != nil {
		var cancelled *cancel.CancelledError
		if errors.As(err, &cancelled) || errors.Is(err, cancel.ErrCancelled) {
			return o.finishCancelled(ctx, sessionID, text)
		}
		return nil, err
	}

	if err := o.store.AppendMessage(ctx, sessionID, providers.Message{
		Role: "assistant", Content: text, AgentID: profile.OrchestratorAgent,
	}); err != nil {
		o.logger.Warn("failed to persist assistant reply", "session", sessionID, "error", err)
	}

	metricID, err := o.optimizer.Tracker().Record(ctx, sessionID, scores, selection.Depth, execs, time.Since(started).Milliseconds())
	if err != nil {
		o.logger.Warn("failed to record metrics", "session", sessionID, "error", err)
	}

	o.rollInBackground(sessionID)
	return &Result{SessionID: sessionID, Text: text, MetricID: metricID}, nil
}

// Cancel requests cancellation of an in-flight request by session ID.
func (o *Orchestrator) Cancel(sessionID string) bool {
	return o.cancels.RequestCancel(sessionID)
}

func (o *Orchestrator) ensureSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	if sessionID != "" {
		if sess, err := o.store.GetSession(ctx, sessionID); err == nil {
			return sess, nil
		}
	}
	return o.store.CreateSession(ctx, o.profile.Name, "")
}

// route decides between direct @agent routing and the orchestrator
// agent, then resolves fan-out. Returns the final text and per-agent
// execution records.
func (o *Orchestrator) route(ctx context.Context, userText, sessionID, workDir string, scores optimizer.TaskScores, selection optimizer.SelectionResult, onProgress agent.ProgressFunc) (string, []optimizer.ExecutionRecord, error) {
	known := make(map[string]bool, len(o.profile.Agents))
	for name := range o.profile.Agents {
		if name != profile.OrchestratorAgent {
			known[name] = true
		}
	}

	if agentName, task, ok := ParseDirectRoute(strings.TrimSpace(stripPreamble(userText)), known); ok {
		outcome := o.delegate(ctx, agentName, task, sessionID, workDir, onProgress)
		if outcome.cancelled {
			return "", nil, &cancel.CancelledError{JobID: sessionID}
		}
		return outcome.text, []optimizer.ExecutionRecord{outcome.exec}, nil
	}

	reply, stats, err := o.runEntryAgent(ctx, userText, sessionID, workDir, scores, selection, onProgress)
	if err != nil {
		if stats != nil && stats.PartialText != "" {
			// Preserved for finishCancelled / error reporting.
			return stats.PartialText, nil, err
		}
		return "", nil, err
	}

	delegations := ParseDelegations(reply, known)
	if len(delegations) == 0 {
		return reply, nil, nil
	}

	outcomes := o.fanOut(ctx, delegations, sessionID, workDir, onProgress)

	replacements := make([]string, len(outcomes))
	execs := make([]optimizer.ExecutionRecord, 0, len(outcomes))
	for i, oc := range outcomes {
		if oc.cancelled {
			return reply, nil, &cancel.CancelledError{JobID: sessionID}
		}
		replacements[i] = oc.text
		execs = append(execs, oc.exec)
	}
	final := SubstituteBlocks(reply, delegations, replacements)

	if summary := o.finalSummary(ctx, userText, final); summary != "" {
		final += "\n\n" + summaryHeader + "\n" + summary
	}
	return final, execs, nil
}

func stripPreamble(text string) string {
	if strings.HasPrefix(text, "[Working directory:") {
		if i := strings.Index(text, "\n"); i >= 0 {
			return text[i+1:]
		}
	}
	return text
}

func (o *Orchestrator) runEntryAgent(ctx context.Context, userText, sessionID, workDir string, scores optimizer.TaskScores, selection optimizer.SelectionResult, onProgress agent.ProgressFunc) (string, *agent.RunStats, error) {
	cfg := o.profile.Agents[profile.OrchestratorAgent]
	history, err := o.store.History(ctx, sessionID, mainHistoryLimit, sessions.SummaryAsUser)
	if err != nil {
		return "", nil, err
	}
	// The user turn was already persisted; History includes it. Drop
	// the trailing copy so the runtime appends exactly one user turn.
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		history = history[:n-1]
	}

	return o.runtime.Run(ctx, agent.RunRequest{
		Agent:     cfg,
		Input:     userText,
		History:   history,
		SessionID: sessionID,
		Call: agent.CallContext{
			WorkingDirectory: workDir,
			JobID:            sessionID,
			Guidance:         optimizer.Guidance(scores, selection),
		},
		Stream:     true,
		OnProgress: onProgress,
	})
}

// fanOut runs all delegations concurrently. Failures are isolated per
// delegate; the batch always settles.
func (o *Orchestrator) fanOut(ctx context.Context, delegations []Delegation, sessionID, workDir string, onProgress agent.ProgressFunc) []delegateOutcome {
	outcomes := make([]delegateOutcome, len(delegations))
	var wg sync.WaitGroup
	for i, d := range delegations {
		wg.Add(1)
		go func(i int, d Delegation) {
			defer wg.Done()
			outcomes[i] = o.delegate(ctx, d.Agent, d.Task, sessionID, workDir, onProgress)
		}(i, d)
	}
	wg.Wait()
	return outcomes
}

// delegate runs one sub-call against the agent's dedicated sub-session.
func (o *Orchestrator) delegate(ctx context.Context, agentName, task, parentID, workDir string, onProgress agent.ProgressFunc) delegateOutcome {
	started := time.Now()
	outcome := delegateOutcome{agent: agentName}
	outcome.exec = optimizer.ExecutionRecord{
		Agent:       agentName,
		ParentAgent: profile.OrchestratorAgent,
	}
	if onProgress != nil {
		onProgress(agent.Progress{Kind: agent.ProgressDelegate, Tool: agentName})
	}

	cfg, ok := o.profile.Agents[agentName]
	if !ok {
		outcome.failed = true
		outcome.text = fmt.Sprintf("@%s: [error: unknown agent]", agentName)
		outcome.exec.ErrorCount = 1
		outcome.exec.ErrorMessage = "unknown agent"
		return outcome
	}

	sub, err := o.store.GetOrCreateSubSession(ctx, parentID, agentName)
	if err != nil {
		outcome.failed = true
		outcome.text = fmt.Sprintf("@%s: [error: %v]", agentName, err)
		outcome.exec.ErrorCount = 1
		outcome.exec.ErrorMessage = err.Error()
		return outcome
	}
	subID := sub.ID

	history, err := o.store.History(ctx, subID, subHistoryLimit, sessions.SummaryAsUser)
	if err != nil {
		history = nil
	}
	outcome.exec.HistoryTurns = len(history)
	if sum, err := o.store.GetSummary(ctx, subID); err == nil && sum != nil {
		outcome.exec.SummaryDepth = sum.Depth
	}

	if err := o.store.AppendMessage(ctx, subID, providers.Message{
		Role: "user", Content: task, AgentID: profile.OrchestratorAgent,
	}); err != nil {
		o.logger.Warn("failed to persist delegation task", "sub_session", subID, "error", err)
	}

	var active []*skills.Skill
	if o.skills != nil {
		active = o.skills.Match(task)
	}

	response, stats, err := o.runtime.Run(ctx, agent.RunRequest{
		Agent:     cfg,
		Input:     task,
		History:   history,
		SessionID: subID,
		Call: agent.CallContext{
			ActiveSkills:     active,
			WorkingDirectory: workDir,
			JobID:            parentID, // children share the parent's cancel key
		},
		Stream:     false,
		OnProgress: onProgress,
	})
	outcome.exec.DurationMS = time.Since(started).Milliseconds()
	if stats != nil {
		outcome.exec.Tokens = stats.Usage.TotalTokens
		outcome.exec.TokensIn = stats.Usage.PromptTokens
		outcome.exec.TokensOut = stats.Usage.CompletionTokens
		outcome.exec.ErrorCount = stats.Errors
		outcome.exec.RetryCount = stats.Retries
	}

	if err != nil {
		var cancelled *cancel.CancelledError
		if errors.As(err, &cancelled) || errors.Is(err, cancel.ErrCancelled) {
			outcome.cancelled = true
			return outcome
		}
		o.logger.Warn("delegation failed", "agent", agentName, "error", err)
		outcome.failed = true
		outcome.exec.ErrorCount++
		outcome.exec.ErrorMessage = err.Error()
		outcome.text = fmt.Sprintf("@%s: [error: %v]", agentName, err)
		return outcome
	}
	outcome.exec.Response = response

	if err := o.store.AppendMessage(ctx, subID, providers.Message{
		Role: "assistant", Content: response, AgentID: agentName,
	}); err != nil {
		o.logger.Warn("failed to persist delegation response", "sub_session", subID, "error", err)
	}

	trailer := ""
	if eval := evaluate(ctx, o.provider, o.evalModel, task, response); eval != nil {
		outcome.exec.Eval = &optimizer.InlineEval{
			Score:             eval.Inline,
			Completion:        eval.Completion,
			Quality:           eval.Quality,
			TaskComplexity:    eval.TaskComplexity,
			PromptSpecificity: eval.PromptSpecificity,
		}
		trailer = fmt.Sprintf("\n---\n%s completion=%.2f quality=%.2f complexity=%.2f specificity=%.2f",
			delegationTrailer, eval.Completion, eval.Quality, eval.TaskComplexity, eval.PromptSpecificity)
	}
	outcome.text = fmt.Sprintf("@%s: %s%s", agentName, response, trailer)
	return outcome
}

// finalSummary produces the 3-5 line wrap-up after fan-out. Empty on
// failure; the substituted reply stands on its own.
func (o *Orchestrator) finalSummary(ctx context.Context, request, combined string) string {
	if o.provider == nil {
		return ""
	}
	const limit = 6000
	if len(combined) > limit {
		combined = combined[:limit]
	}

	sctx, cancelFn := context.WithTimeout(ctx, 60*time.Second)
	defer cancelFn()
	resp, err := o.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role: "user",
			Content: "Summarize the combined result below for the user in 3-5 short lines. " +
				"Answer in the user's language.\n\nRequest:\n" + request + "\n\nResult:\n" + combined,
		}},
		Model:       o.evalModel,
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		o.logger.Debug("final summary skipped", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// finishCancelled persists the partial text and returns the
// cancellation marker.
func (o *Orchestrator) finishCancelled(ctx context.Context, sessionID, partial string) (*Result, error) {
	if partial != "" {
		if err := o.store.AppendMessage(ctx, sessionID, providers.Message{
			Role:    "assistant",
			Content: "[interrupted: Cancelled]\n" + partial,
			AgentID: profile.OrchestratorAgent,
		}); err != nil {
			o.logger.Warn("failed to persist partial text", "session", sessionID, "error", err)
		}
	}
	return &Result{
		SessionID: sessionID,
		Text:      fmt.Sprintf("Job %s was cancelled.", sessionID),
		Cancelled: true,
	}, nil
}

// rollInBackground folds the session's backlog into its summary once
// enough messages accumulate above the cut-off.
func (o *Orchestrator) rollInBackground(sessionID string) {
	if o.summarizer == nil {
		return
	}
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancelFn()

		var afterSeq int64
		if sum, err := o.store.GetSummary(ctx, sessionID); err == nil && sum != nil {
			afterSeq = sum.CoversSeq
		}
		n, err := o.store.MessageCount(ctx, sessionID, afterSeq)
		if err != nil || n < rollThreshold {
			return
		}
		if _, err := o.summarizer.Roll(ctx, sessionID, 0); err != nil {
			o.logger.Warn("background summarization failed", "session", sessionID, "error", err)
		}
	}()
}
