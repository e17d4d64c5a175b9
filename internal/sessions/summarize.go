package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soracode/renga/internal/providers"
)

const summarizeTimeout = 120 * time.Second

// Summarizer folds older session messages into the rolling summary:
// (old summary, batch) → new summary, produced by one LLM call and
// written atomically. Prompt composition downstream is a pure function
// of the persisted snapshot.
type Summarizer struct {
	store    *Store
	provider providers.Provider
	model    string

	// Per-session lock: a session is summarized by at most one
	// goroutine at a time; contenders skip instead of queuing.
	locks sync.Map // sessionID → *sync.Mutex
}

func NewSummarizer(store *Store, provider providers.Provider, model string) *Summarizer {
	return &Summarizer{store: store, provider: provider, model: model}
}

// Roll compresses all messages above the current summary cut-off
// except the last keepRecent into a new summary. Returns true when a
// fold happened. Concurrent calls for the same session skip.
func (z *Summarizer) Roll(ctx context.Context, sessionID string, keepRecent int) (bool, error) {
	if keepRecent <= 0 {
		keepRecent = 10
	}

	muI, _ := z.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionID)
		return false, nil
	}
	defer mu.Unlock()

	prev, err := z.store.GetSummary(ctx, sessionID)
	if err != nil {
		return false, err
	}
	var coversSeq int64
	var prevText string
	if prev != nil {
		coversSeq = prev.CoversSeq
		prevText = prev.Text
	}

	// Everything above the cut-off, oldest first. A large fetch bound
	// keeps one fold from loading an unbounded backlog at once.
	batch, err := z.store.queryMessages(ctx, sessionID, coversSeq, 500)
	if err != nil {
		return false, err
	}
	if len(batch) <= keepRecent {
		return false, nil
	}

	fold := batch[:len(batch)-keepRecent]
	newText, err := z.summarize(ctx, prevText, fold)
	if err != nil {
		return false, fmt.Errorf("sessions: summarize: %w", err)
	}

	last := fold[len(fold)-1]
	if err := z.store.SaveSummary(ctx, sessionID, newText, last.Seq, last.Timestamp); err != nil {
		return false, err
	}
	slog.Info("session summarized",
		"session", sessionID, "folded", len(fold), "covers_seq", last.Seq)
	return true, nil
}

func (z *Summarizer) summarize(ctx context.Context, prevSummary string, batch []StoredMessage) (string, error) {
	var sb strings.Builder
	for _, m := range batch {
		switch m.Role {
		case "user", "assistant":
			if m.Content != "" {
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
			}
		case "tool":
			// Tool outputs are bulky and low-signal for recall; note
			// only that the call happened.
			fmt.Fprintf(&sb, "tool result (%s): %d chars\n", m.ToolCallID, len(m.Content))
		}
	}

	prompt := "Provide a concise summary of this conversation, preserving key facts, decisions, and open tasks:\n"
	if prevSummary != "" {
		prompt += "Existing context: " + prevSummary + "\n"
	}
	prompt += "\n" + sb.String()

	sctx, cancelFn := context.WithTimeout(ctx, summarizeTimeout)
	defer cancelFn()

	resp, err := z.provider.Chat(sctx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		Model:       z.model,
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty summary from model")
	}
	return text, nil
}
