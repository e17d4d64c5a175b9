package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soracode/renga/internal/providers"
)

// SummaryRole controls which role the leading summary message takes in
// History output; OpenAI-style providers want "system", Anthropic-style
// prompt assembly wants "user".
type SummaryRole string

const (
	SummaryAsUser   SummaryRole = "user"
	SummaryAsSystem SummaryRole = "system"
)

// AppendMessage appends one message to a session. Messages are
// append-only; ordering is strictly by insertion.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error {
	var toolCallsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("sessions: marshal tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, ts, role, agent_id, content, tool_calls, tool_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, now.UnixMilli(), msg.Role,
		nullable(msg.AgentID), msg.Content, toolCallsJSON, nullable(msg.ToolCallID))
	if err != nil {
		return fmt.Errorf("sessions: append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET last_updated = ? WHERE id = ?`, now.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("sessions: touch session: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecentMessages returns the most recent limit raw messages of a
// session in insertion order, ignoring the summary cut-off.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error) {
	return s.queryMessages(ctx, sessionID, 0, limit)
}

// MessageCount returns how many raw messages a session holds above
// the given sequence.
func (s *Store) MessageCount(ctx context.Context, sessionID string, afterSeq int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND seq > ?`,
		sessionID, afterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sessions: count: %w", err)
	}
	return n, nil
}

// History returns the prompt-facing view of a session: an optional
// leading summary message followed by the most recent limit raw
// messages above the summary cut-off. Messages covered by the summary
// are never returned.
func (s *Store) History(ctx context.Context, sessionID string, limit int, summaryRole SummaryRole) ([]providers.Message, error) {
	summary, err := s.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var coversSeq int64
	var result []providers.Message
	if summary != nil && summary.Text != "" {
		coversSeq = summary.CoversSeq
		role := string(summaryRole)
		if role == "" {
			role = string(SummaryAsUser)
		}
		result = append(result, providers.Message{
			Role:    role,
			Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary.Text),
		})
	}

	stored, err := s.queryMessages(ctx, sessionID, coversSeq, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range stored {
		result = append(result, m.Message)
	}
	return result, nil
}

// queryMessages fetches the last limit messages with seq > afterSeq,
// returned in ascending order.
func (s *Store) queryMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, role, COALESCE(agent_id,''), content, COALESCE(tool_calls,''), COALESCE(tool_call_id,'')
		 FROM (
			SELECT * FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sessions: query messages: %w", err)
	}
	defer rows.Close()

	var result []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts int64
		var toolCallsJSON string
		if err := rows.Scan(&m.Seq, &ts, &m.Role, &m.AgentID, &m.Content, &toolCallsJSON, &m.ToolCallID); err != nil {
			return nil, err
		}
		m.SessionID = sessionID
		m.Timestamp = time.UnixMilli(ts).UTC()
		if toolCallsJSON != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON), &m.ToolCalls)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// GetSummary returns the session's summary, or nil if none exists.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, text, covers_through, covers_seq, depth, updated_at
		 FROM summaries WHERE session_id = ?`, sessionID)

	var sum Summary
	var covers, updated int64
	err := row.Scan(&sum.SessionID, &sum.Text, &covers, &sum.CoversSeq, &sum.Depth, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get summary: %w", err)
	}
	sum.CoversThrough = time.UnixMilli(covers).UTC()
	sum.UpdatedAt = time.UnixMilli(updated).UTC()
	return &sum, nil
}

// SaveSummary upserts a session's summary and increments its depth.
// coversSeq/coversThrough mark the last message the new text covers;
// the cut-off never moves backwards.
func (s *Store) SaveSummary(ctx context.Context, sessionID, text string, coversSeq int64, coversThrough time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, text, covers_through, covers_seq, depth, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			text = excluded.text,
			covers_through = MAX(covers_through, excluded.covers_through),
			covers_seq = MAX(covers_seq, excluded.covers_seq),
			depth = depth + 1,
			updated_at = excluded.updated_at`,
		sessionID, text, coversThrough.UnixMilli(), coversSeq, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sessions: save summary: %w", err)
	}
	return nil
}
