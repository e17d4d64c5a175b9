package optimizer

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func newTestTracker(t *testing.T) *QualityTracker {
	t.Helper()
	tr, err := NewQualityTracker(filepath.Join(t.TempDir(), "metrics.db"),
		[]string{"failed", "できません"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestInferSuccess(t *testing.T) {
	tr := newTestTracker(t)

	tests := []struct {
		name string
		exec ExecutionRecord
		want float64
	}{
		{"clean run", ExecutionRecord{Response: "Done. All tests pass."}, 1.0},
		{"one error", ExecutionRecord{ErrorCount: 1}, 0.2},
		{"two errors floor at zero", ExecutionRecord{ErrorCount: 2}, 0.0},
		{"errors capped at three", ExecutionRecord{ErrorCount: 7}, 0.0},
		{"retries over two", ExecutionRecord{RetryCount: 3}, 0.8},
		{"retries at two free", ExecutionRecord{RetryCount: 2}, 1.0},
		{"apology", ExecutionRecord{Response: "I apologize, but here is a partial fix."}, 0.8},
		{"japanese apology", ExecutionRecord{Response: "すみません、途中までです。"}, 0.8},
		{"nonzero exit clamps", ExecutionRecord{ExitCode: 1, Response: "all good"}, 0.0},
		{"negative keyword clamps", ExecutionRecord{Response: "The build FAILED again."}, 0.0},
		{"stacked penalties floor at zero", ExecutionRecord{ErrorCount: 3, RetryCount: 5, Response: "I'm sorry."}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.InferSuccess(tt.exec)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("InferSuccess = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordAndStats(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	scores := TaskScores{Scope: 5, Risk: 4, Complexity: 3, TaskType: TaskFeature} // total 12
	id, err := tr.Record(ctx, "s1", scores, DepthLight, []ExecutionRecord{
		{Agent: "coder", Tokens: 100},
		{Agent: "reviewer", ErrorCount: 3, Tokens: 50},
	}, 1234)
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Fatalf("metric id = %d", id)
	}

	recent, err := tr.Recent(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %d rows", len(recent))
	}
	m := recent[0]
	if m.TotalScore != 12 || m.Depth != DepthLight || len(m.Agents) != 2 {
		t.Errorf("stored metric %+v", m)
	}
	// Mean of 1.0 and 0.0.
	if math.Abs(m.Success-0.5) > 1e-9 {
		t.Errorf("success = %v, want 0.5", m.Success)
	}
	if m.Tokens != 150 {
		t.Errorf("tokens = %d, want 150", m.Tokens)
	}

	stats, err := tr.Stats(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %d cells", len(stats))
	}
	if stats[0].Bucket != 10 || stats[0].Depth != DepthLight || stats[0].Count != 1 {
		t.Errorf("stats cell %+v", stats[0])
	}
}

func TestRecord_AgentNamesWithCommas(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Record(ctx, "s1", TaskScores{TaskType: TaskOther}, DepthLight, []ExecutionRecord{
		{Agent: "review,deploy"},
		{Agent: "coder"},
	}, 10)
	if err != nil {
		t.Fatal(err)
	}

	recent, err := tr.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	got := recent[0].Agents
	if len(got) != 2 || got[0] != "review,deploy" || got[1] != "coder" {
		t.Errorf("agents = %v, want the comma kept inside the first name", got)
	}
}

func TestExecutions_RoundTrip(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Record(ctx, "s1", TaskScores{TaskType: TaskFeature}, DepthLight, []ExecutionRecord{
		{
			Agent:        "coder",
			ParentAgent:  "orchestrator",
			TokensIn:     90,
			TokensOut:    30,
			Tokens:       120,
			HistoryTurns: 4,
			SummaryDepth: 2,
			Eval: &InlineEval{
				Score:             0.85,
				Completion:        1.0,
				Quality:           0.9,
				TaskComplexity:    0.7,
				PromptSpecificity: 0.8,
			},
		},
		{
			Agent:        "reviewer",
			ParentAgent:  "orchestrator",
			ErrorCount:   1,
			ErrorMessage: "context deadline exceeded",
		},
	}, 500)
	if err != nil {
		t.Fatal(err)
	}

	execs, err := tr.Executions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("executions = %d rows", len(execs))
	}

	first := execs[0]
	if first.Agent != "coder" || first.ParentAgent != "orchestrator" {
		t.Errorf("identity %+v", first)
	}
	if first.TokensIn != 90 || first.TokensOut != 30 || first.HistoryTurns != 4 || first.SummaryDepth != 2 {
		t.Errorf("counters %+v", first)
	}
	if first.Eval == nil {
		t.Fatal("inline evaluation not stored")
	}
	if math.Abs(first.Eval.Score-0.85) > 1e-9 || math.Abs(first.Eval.Quality-0.9) > 1e-9 ||
		math.Abs(first.Eval.Completion-1.0) > 1e-9 || math.Abs(first.Eval.TaskComplexity-0.7) > 1e-9 ||
		math.Abs(first.Eval.PromptSpecificity-0.8) > 1e-9 {
		t.Errorf("eval %+v", first.Eval)
	}

	second := execs[1]
	if second.Eval != nil {
		t.Errorf("skipped evaluation stored as %+v", second.Eval)
	}
	if second.ErrorMessage != "context deadline exceeded" {
		t.Errorf("error message %q", second.ErrorMessage)
	}
	if math.Abs(second.Success-0.2) > 1e-9 {
		t.Errorf("success = %v, want 0.2 after one error", second.Success)
	}
}

func TestRecord_NoExecutions(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Record(context.Background(), "s1", TaskScores{TaskType: TaskOther}, DepthFlat, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	recent, _ := tr.Recent(context.Background(), 1)
	if recent[0].Success != 1.0 {
		t.Errorf("direct answer success = %v, want 1.0", recent[0].Success)
	}
}

func TestSetUserFeedback(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	id, err := tr.Record(ctx, "s1", TaskScores{TaskType: TaskOther}, DepthFlat,
		[]ExecutionRecord{{Agent: "coder"}}, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.SetUserFeedback(ctx, id, 0.25); err != nil {
		t.Fatal(err)
	}
	recent, _ := tr.Recent(ctx, 1)
	if !recent[0].UserFeedback.Valid || recent[0].UserFeedback.Float64 != 0.25 {
		t.Errorf("feedback not stored: %+v", recent[0].UserFeedback)
	}

	// Feedback overrides inferred success in the aggregates.
	stats, _ := tr.Stats(ctx, 30)
	if math.Abs(stats[0].AvgSuccess-0.25) > 1e-9 {
		t.Errorf("AvgSuccess = %v, want feedback 0.25", stats[0].AvgSuccess)
	}

	if err := tr.SetUserFeedback(ctx, 9999, 1.0); err == nil {
		t.Error("feedback on missing metric succeeded")
	}
}
