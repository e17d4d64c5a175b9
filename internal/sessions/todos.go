package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// Todo is one tracked task item bound to a session.
type Todo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var validTodoStatus = map[string]bool{
	TodoPending:    true,
	TodoInProgress: true,
	TodoCompleted:  true,
	TodoCancelled:  true,
}

// GetTodos returns a session's todo set in creation order.
func (s *Store) GetTodos(ctx context.Context, sessionID string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, status, priority, created_at, updated_at
		 FROM todos WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessions: get todos: %w", err)
	}
	defer rows.Close()

	var result []Todo
	for rows.Next() {
		var t Todo
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.Content, &t.Status, &t.Priority, &created, &updated); err != nil {
			return nil, err
		}
		t.SessionID = sessionID
		t.CreatedAt = time.UnixMilli(created).UTC()
		t.UpdatedAt = time.UnixMilli(updated).UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

// SaveTodos replaces the entire todo set for a session atomically.
// Incoming items without an ID get one; invalid statuses are rejected
// before any row changes.
func (s *Store) SaveTodos(ctx context.Context, sessionID string, todos []Todo) error {
	for i := range todos {
		if todos[i].Status == "" {
			todos[i].Status = TodoPending
		}
		if !validTodoStatus[todos[i].Status] {
			return fmt.Errorf("sessions: invalid todo status %q", todos[i].Status)
		}
		if todos[i].Priority == "" {
			todos[i].Priority = "medium"
		}
		if todos[i].ID == "" {
			todos[i].ID = uuid.NewString()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: save todos: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sessions: save todos: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, t := range todos {
		created := t.CreatedAt.UnixMilli()
		if t.CreatedAt.IsZero() {
			// Preserve list order for items created in the same batch.
			created = now + int64(i)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todos (id, session_id, content, status, priority, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, sessionID, t.Content, t.Status, t.Priority, created, now); err != nil {
			return fmt.Errorf("sessions: save todos: %w", err)
		}
	}
	return tx.Commit()
}
