package optimizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ExecutionRecord is one agent's contribution to a request, used to
// infer a success score after the fact.
type ExecutionRecord struct {
	Agent        string
	ParentAgent  string
	ErrorCount   int
	RetryCount   int
	ExitCode     int
	Response     string
	Tokens       int
	TokensIn     int
	TokensOut    int
	DurationMS   int64
	HistoryTurns int
	SummaryDepth int
	ErrorMessage string

	// Eval carries the inline evaluation of the delegate's answer; nil
	// when the evaluation call failed or was skipped.
	Eval *InlineEval
}

// InlineEval is the LLM-scored quality of one delegated answer. Score
// is the mean of the four axes, each in [0,1].
type InlineEval struct {
	Score             float64
	Completion        float64
	Quality           float64
	TaskComplexity    float64
	PromptSpecificity float64
}

// AgentExecution is one stored per-agent execution row.
type AgentExecution struct {
	MetricID     int64
	Agent        string
	ParentAgent  string
	ErrorCount   int
	RetryCount   int
	ExitCode     int
	Success      float64
	Tokens       int
	TokensIn     int
	TokensOut    int
	DurationMS   int64
	HistoryTurns int
	SummaryDepth int
	ErrorMessage string
	Eval         *InlineEval
}

// MetricRecord is one completed request: the scores it was assigned,
// the depth it ran at, and the inferred outcome.
type MetricRecord struct {
	ID          int64
	SessionID   string
	Timestamp   time.Time
	TotalScore  int
	TaskType    string
	Depth       Depth
	Agents      []string
	Success     float64
	Tokens      int
	DurationMS  int64
	UserFeedback sql.NullFloat64
}

// DepthBucketStats is the aggregate for one (depth, score bucket) cell.
type DepthBucketStats struct {
	Depth      Depth
	Bucket     int
	Count      int
	AvgSuccess float64
	AvgTokens  float64
}

// QualityTracker persists request outcomes to a local metrics database
// and serves the aggregates the tuner feeds on. Rows are append-only;
// only the user-feedback column is ever updated.
type QualityTracker struct {
	db       *sql.DB
	keywords []string
}

// NewQualityTracker opens (or creates) the metrics database at dbPath.
// negativeKeywords feed success inference; pass the configured list.
func NewQualityTracker(dbPath string, negativeKeywords []string) (*QualityTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("optimizer: open metrics db: %w", err)
	}
	db.SetMaxOpenConns(1)

	t := &QualityTracker{db: db, keywords: negativeKeywords}
	if err := t.init(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *QualityTracker) init() error {
	_, err := t.db.Exec(`
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	total_score INTEGER NOT NULL,
	task_type TEXT NOT NULL,
	depth TEXT NOT NULL,
	agents TEXT NOT NULL,
	success REAL NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	user_feedback REAL
);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);
CREATE INDEX IF NOT EXISTS idx_metrics_depth ON metrics(depth);

CREATE TABLE IF NOT EXISTS agent_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_id INTEGER NOT NULL REFERENCES metrics(id),
	agent TEXT NOT NULL,
	parent_agent TEXT NOT NULL DEFAULT '',
	error_count INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	success REAL NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	history_turns INTEGER NOT NULL DEFAULT 0,
	summary_depth INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	inline_score REAL,
	eval_completion REAL,
	eval_quality REAL,
	eval_complexity REAL,
	eval_specificity REAL
);
CREATE INDEX IF NOT EXISTS idx_exec_metric ON agent_executions(metric_id);
`)
	if err != nil {
		return fmt.Errorf("optimizer: init metrics schema: %w", err)
	}
	return nil
}

func (t *QualityTracker) Close() error { return t.db.Close() }

// apologyMarkers are response phrasings that signal the agent gave up.
var apologyMarkers = []string{
	"i apologize", "i'm sorry", "i am sorry",
	"申し訳ありません", "すみません",
}

// InferSuccess scores one execution in [0,1]. A non-zero exit code or a
// configured negative keyword in the response clamps the score to 0.
func (t *QualityTracker) InferSuccess(exec ExecutionRecord) float64 {
	lower := strings.ToLower(exec.Response)

	if exec.ExitCode != 0 {
		return 0.0
	}
	for _, kw := range t.keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return 0.0
		}
	}

	score := 1.0
	errors := exec.ErrorCount
	if errors > 3 {
		errors = 3
	}
	score -= 0.8 * float64(errors)
	if exec.RetryCount > 2 {
		score -= 0.2
	}
	for _, marker := range apologyMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.2
			break
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Record persists one completed request and its per-agent executions.
// The metric's success is the mean of the execution scores (1.0 when
// there were no executions, e.g. a direct orchestrator answer).
func (t *QualityTracker) Record(ctx context.Context, sessionID string, scores TaskScores, depth Depth, execs []ExecutionRecord, durationMS int64) (int64, error) {
	var totalSuccess, totalTokens float64
	for _, e := range execs {
		totalSuccess += t.InferSuccess(e)
		totalTokens += float64(e.Tokens)
	}
	success := 1.0
	if len(execs) > 0 {
		success = totalSuccess / float64(len(execs))
	}

	agents := make([]string, 0, len(execs))
	for _, e := range execs {
		agents = append(agents, e.Agent)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("optimizer: record metric: %w", err)
	}
	defer tx.Rollback()

	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return 0, fmt.Errorf("optimizer: record metric: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO metrics (session_id, ts, total_score, task_type, depth, agents, success, tokens, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, time.Now().Unix(), scores.Total(), scores.TaskType,
		string(depth), string(agentsJSON), success, int(totalTokens), durationMS)
	if err != nil {
		return 0, fmt.Errorf("optimizer: record metric: %w", err)
	}
	metricID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, e := range execs {
		var score, completion, quality, complexity, specificity sql.NullFloat64
		if e.Eval != nil {
			score = sql.NullFloat64{Float64: e.Eval.Score, Valid: true}
			completion = sql.NullFloat64{Float64: e.Eval.Completion, Valid: true}
			quality = sql.NullFloat64{Float64: e.Eval.Quality, Valid: true}
			complexity = sql.NullFloat64{Float64: e.Eval.TaskComplexity, Valid: true}
			specificity = sql.NullFloat64{Float64: e.Eval.PromptSpecificity, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_executions (
				metric_id, agent, parent_agent, error_count, retry_count, exit_code,
				success, tokens, tokens_in, tokens_out, duration_ms,
				history_turns, summary_depth, error_message,
				inline_score, eval_completion, eval_quality, eval_complexity, eval_specificity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			metricID, e.Agent, e.ParentAgent, e.ErrorCount, e.RetryCount, e.ExitCode,
			t.InferSuccess(e), e.Tokens, e.TokensIn, e.TokensOut, e.DurationMS,
			e.HistoryTurns, e.SummaryDepth, e.ErrorMessage,
			score, completion, quality, complexity, specificity); err != nil {
			return 0, fmt.Errorf("optimizer: record execution: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return metricID, nil
}

// SetUserFeedback attaches an explicit user rating to a recorded
// metric. The only mutation the metrics table allows.
func (t *QualityTracker) SetUserFeedback(ctx context.Context, metricID int64, rating float64) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE metrics SET user_feedback = ? WHERE id = ?`, rating, metricID)
	if err != nil {
		return fmt.Errorf("optimizer: set feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("optimizer: metric %d not found", metricID)
	}
	return nil
}

// Stats aggregates the last `days` of metrics into depth × score-bucket
// cells. User feedback, where present, overrides the inferred success.
func (t *QualityTracker) Stats(ctx context.Context, days int) ([]DepthBucketStats, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days).Unix()

	rows, err := t.db.QueryContext(ctx, `
		SELECT depth,
		       (total_score / 5) * 5 AS bucket,
		       COUNT(*),
		       AVG(COALESCE(user_feedback, success)),
		       AVG(tokens)
		FROM metrics
		WHERE ts >= ?
		GROUP BY depth, bucket
		ORDER BY bucket, depth`, since)
	if err != nil {
		return nil, fmt.Errorf("optimizer: stats: %w", err)
	}
	defer rows.Close()

	var out []DepthBucketStats
	for rows.Next() {
		var s DepthBucketStats
		var depth string
		if err := rows.Scan(&depth, &s.Bucket, &s.Count, &s.AvgSuccess, &s.AvgTokens); err != nil {
			return nil, err
		}
		s.Depth = Depth(depth)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SampleCount returns the number of metrics in the last `days`.
func (t *QualityTracker) SampleCount(ctx context.Context, days int) (int, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metrics WHERE ts >= ?`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("optimizer: sample count: %w", err)
	}
	return n, nil
}

// Recent returns the most recent metrics, newest first.
func (t *QualityTracker) Recent(ctx context.Context, limit int) ([]MetricRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, session_id, ts, total_score, task_type, depth, agents, success, tokens, duration_ms, user_feedback
		FROM metrics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("optimizer: recent metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var m MetricRecord
		var ts int64
		var depth, agents string
		if err := rows.Scan(&m.ID, &m.SessionID, &ts, &m.TotalScore, &m.TaskType,
			&depth, &agents, &m.Success, &m.Tokens, &m.DurationMS, &m.UserFeedback); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(ts, 0).UTC()
		m.Depth = Depth(depth)
		if agents != "" {
			if err := json.Unmarshal([]byte(agents), &m.Agents); err != nil {
				return nil, fmt.Errorf("optimizer: decode agents: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Executions returns the per-agent rows recorded under one metric, in
// insertion order.
func (t *QualityTracker) Executions(ctx context.Context, metricID int64) ([]AgentExecution, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT metric_id, agent, parent_agent, error_count, retry_count, exit_code,
		       success, tokens, tokens_in, tokens_out, duration_ms,
		       history_turns, summary_depth, error_message,
		       inline_score, eval_completion, eval_quality, eval_complexity, eval_specificity
		FROM agent_executions WHERE metric_id = ? ORDER BY id`, metricID)
	if err != nil {
		return nil, fmt.Errorf("optimizer: list executions: %w", err)
	}
	defer rows.Close()

	var out []AgentExecution
	for rows.Next() {
		var e AgentExecution
		var score, completion, quality, complexity, specificity sql.NullFloat64
		if err := rows.Scan(&e.MetricID, &e.Agent, &e.ParentAgent, &e.ErrorCount, &e.RetryCount, &e.ExitCode,
			&e.Success, &e.Tokens, &e.TokensIn, &e.TokensOut, &e.DurationMS,
			&e.HistoryTurns, &e.SummaryDepth, &e.ErrorMessage,
			&score, &completion, &quality, &complexity, &specificity); err != nil {
			return nil, err
		}
		if score.Valid {
			e.Eval = &InlineEval{
				Score:             score.Float64,
				Completion:        completion.Float64,
				Quality:           quality.Float64,
				TaskComplexity:    complexity.Float64,
				PromptSpecificity: specificity.Float64,
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
