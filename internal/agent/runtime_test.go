package agent

import (
	"strings"
	"testing"

	"github.com/soracode/renga/internal/providers"
)

func TestSanitizeHistory(t *testing.T) {
	in := []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: ""}, // empty, dropped
		{Role: "tool", ToolCallID: "orphan", Content: "stale result"}, // no matching call
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "read_file"}}},
		{Role: "tool", ToolCallID: "tc1", Content: "file contents"},
		{Role: "assistant", Content: "done"},
	}
	out := sanitizeHistory(in)

	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(out), out)
	}
	for _, m := range out {
		if m.Role == "tool" && m.ToolCallID == "orphan" {
			t.Error("orphaned tool result survived")
		}
		if m.Role == "assistant" && m.Content == "" && len(m.ToolCalls) == 0 {
			t.Error("empty message survived")
		}
	}
	// The paired tool result is kept.
	if out[2].Role != "tool" || out[2].ToolCallID != "tc1" {
		t.Errorf("paired tool result lost: %+v", out)
	}
}

func TestSanitizeHistory_TruncatesOversized(t *testing.T) {
	in := []providers.Message{
		{Role: "user", Content: strings.Repeat("x", maxMessageChars+500)},
	}
	out := sanitizeHistory(in)
	if len(out) != 1 {
		t.Fatal("message dropped instead of truncated")
	}
	if len(out[0].Content) > maxMessageChars+100 {
		t.Errorf("content length %d not truncated", len(out[0].Content))
	}
	if !strings.HasSuffix(out[0].Content, "[... message truncated ...]") {
		t.Error("truncation marker missing")
	}
}

func TestAllowedSet(t *testing.T) {
	if allowedSet(nil) != nil {
		t.Error("empty list should allow all tools (nil set)")
	}
	set := allowedSet([]string{"read_file", "bash"})
	if !set["read_file"] || !set["bash"] || set["write_file"] {
		t.Errorf("set = %v", set)
	}
}

func TestEstimateMessages(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: strings.Repeat("a", 400)}, // 100 tokens
		{Role: "user", Content: strings.Repeat("b", 40)},    // 10 tokens
	}
	if got := estimateMessages(msgs); got != 110 {
		t.Errorf("estimateMessages = %d, want 110", got)
	}
}
