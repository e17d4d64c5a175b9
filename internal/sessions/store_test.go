package sessions

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soracode/renga/internal/providers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "default", "first chat")
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != StatusOpen {
		t.Fatalf("created session %+v", created)
	}

	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Profile != "default" || got.Title != "first chat" || got.ParentID != "" {
		t.Errorf("round-trip session %+v", got)
	}

	if _, err := s.GetSession(ctx, "no-such-id"); err == nil {
		t.Error("missing session did not error")
	}
}

func TestSessionMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	if err := s.SetMetadata(ctx, sess.ID, map[string]string{"working_dir": "/tmp/proj"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Metadata["working_dir"] != "/tmp/proj" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestSubSession_Unique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent, _ := s.CreateSession(ctx, "default", "parent")

	a, err := s.GetOrCreateSubSession(ctx, parent.ID, "coder")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.GetOrCreateSubSession(ctx, parent.ID, "coder")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("two sub-sessions for one (parent, agent): %s vs %s", a.ID, b.ID)
	}
	if a.ParentID != parent.ID || a.AgentName != "coder" {
		t.Errorf("sub-session linkage %+v", a)
	}

	other, err := s.GetOrCreateSubSession(ctx, parent.ID, "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == a.ID {
		t.Error("different agents share a sub-session")
	}

	// Sub-sessions stay out of the top-level listing.
	list, _ := s.ListSessions(ctx, "", 10)
	if len(list) != 1 {
		t.Errorf("ListSessions returned %d sessions, want 1", len(list))
	}
}

func TestHistory_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AppendMessage(ctx, sess.ID, providers.Message{
			Role: role, Content: fmt.Sprintf("msg-%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.History(ctx, sess.ID, 4, SummaryAsUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 4 {
		t.Fatalf("history length %d, want 4", len(hist))
	}
	// Most recent 4, in insertion order.
	for i, m := range hist {
		want := fmt.Sprintf("msg-%d", i+2)
		if m.Content != want {
			t.Errorf("hist[%d] = %q, want %q", i, m.Content, want)
		}
	}
}

func TestHistory_SummaryCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	for i := 0; i < 4; i++ {
		s.AppendMessage(ctx, sess.ID, providers.Message{Role: "user", Content: fmt.Sprintf("msg-%d", i)})
	}
	msgs, _ := s.RecentMessages(ctx, sess.ID, 10)
	cutoff := msgs[1].Seq // summary covers msg-0 and msg-1

	if err := s.SaveSummary(ctx, sess.ID, "the early part", cutoff, msgs[1].Timestamp); err != nil {
		t.Fatal(err)
	}

	hist, err := s.History(ctx, sess.ID, 50, SummaryAsSystem)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length %d, want summary + 2 messages", len(hist))
	}
	if hist[0].Role != "system" || !strings.Contains(hist[0].Content, "the early part") {
		t.Errorf("leading summary message %+v", hist[0])
	}
	if hist[1].Content != "msg-2" || hist[2].Content != "msg-3" {
		t.Errorf("covered messages leaked: %+v", hist[1:])
	}
}

func TestSaveSummary_CutoffNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	now := time.Now().UTC()
	if err := s.SaveSummary(ctx, sess.ID, "v1", 10, now); err != nil {
		t.Fatal(err)
	}
	// A stale writer with an older cut-off must not move it backwards.
	if err := s.SaveSummary(ctx, sess.ID, "v2", 5, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	sum, err := s.GetSummary(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.CoversSeq != 10 {
		t.Errorf("covers_seq = %d, regressed below 10", sum.CoversSeq)
	}
	if sum.Text != "v2" {
		t.Errorf("text = %q, latest text should win", sum.Text)
	}
	if sum.Depth != 2 {
		t.Errorf("depth = %d, want 2 after two folds", sum.Depth)
	}
}

func TestAppendMessage_ToolCallsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	err := s.AppendMessage(ctx, sess.ID, providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "tc1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.AppendMessage(ctx, sess.ID, providers.Message{
		Role: "tool", ToolCallID: "tc1", Content: "contents",
	})

	msgs, _ := s.RecentMessages(ctx, sess.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool calls lost: %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "tc1" {
		t.Errorf("tool_call_id lost: %+v", msgs[1])
	}
}

func TestTodos_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "default", "")

	in := []Todo{
		{Content: "write parser", Status: TodoInProgress, Priority: "high"},
		{Content: "add tests"}, // defaults
		{Content: "update docs", Status: TodoCompleted},
	}
	if err := s.SaveTodos(ctx, sess.ID, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTodos(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d todos", len(got))
	}
	for i, todo := range got {
		if todo.Content != in[i].Content {
			t.Errorf("todo %d order: %q, want %q", i, todo.Content, in[i].Content)
		}
		if todo.ID == "" {
			t.Errorf("todo %d missing generated ID", i)
		}
	}
	if got[1].Status != TodoPending || got[1].Priority != "medium" {
		t.Errorf("defaults not applied: %+v", got[1])
	}

	// Replacement semantics: a save with fewer items drops the rest.
	if err := s.SaveTodos(ctx, sess.ID, got[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTodos(ctx, sess.ID)
	if len(got) != 1 {
		t.Errorf("replacement kept %d todos, want 1", len(got))
	}

	// Invalid status rejected before any row changes.
	if err := s.SaveTodos(ctx, sess.ID, []Todo{{Content: "x", Status: "done"}}); err == nil {
		t.Error("invalid status accepted")
	}
	got, _ = s.GetTodos(ctx, sess.ID)
	if len(got) != 1 {
		t.Errorf("failed save mutated todos: %d rows", len(got))
	}
}

func TestDeleteSession_CascadesToSubSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent, _ := s.CreateSession(ctx, "default", "")
	sub, _ := s.GetOrCreateSubSession(ctx, parent.ID, "coder")
	s.AppendMessage(ctx, sub.ID, providers.Message{Role: "user", Content: "hi"})

	if err := s.DeleteSession(ctx, parent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, sub.ID); err == nil {
		t.Error("sub-session survived parent delete")
	}
	if n, _ := s.MessageCount(ctx, sub.ID, 0); n != 0 {
		t.Errorf("%d orphaned messages remain", n)
	}
}
