package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soracode/renga/internal/sessions"
)

// sessionIDKey carries the current session through the tool context so
// session-scoped tools resolve their target without ambient state.
type sessionIDKey struct{}

// WithSessionID binds the session ID into a tool execution context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFrom extracts the bound session ID, if any.
func SessionIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RegisterTodoTools adds todowrite and todoread bound to the session
// store. todowrite replaces the whole todo set atomically.
func RegisterTodoTools(r *Registry, store *sessions.Store) error {
	todowrite := &Descriptor{
		Name: "todowrite",
		Description: "Replace the session's entire todo list. Pass every item, including unchanged ones; " +
			"omitted items are removed.",
		Parameters: ObjectSchema(map[string]interface{}{
			"todos": map[string]interface{}{
				"type":        "array",
				"description": "Full todo list. Each item: {content, status, priority}",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content":  Prop("string", "Task description"),
						"status":   Prop("string", "pending | in_progress | completed | cancelled"),
						"priority": Prop("string", "high | medium | low"),
					},
				},
			},
		}, "todos"),
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			sessionID := SessionIDFrom(ctx)
			if sessionID == "" {
				return ErrorResult("todowrite: no session bound to this run"), nil
			}

			raw, err := json.Marshal(args["todos"])
			if err != nil {
				return ErrorResult(fmt.Sprintf("todowrite: bad todos: %v", err)), nil
			}
			var todos []sessions.Todo
			if err := json.Unmarshal(raw, &todos); err != nil {
				return ErrorResult(fmt.Sprintf("todowrite: bad todos: %v", err)), nil
			}

			if err := store.SaveTodos(ctx, sessionID, todos); err != nil {
				return ErrorResult(fmt.Sprintf("todowrite: %v", err)), nil
			}
			return NewResult(fmt.Sprintf("Todo list updated (%d items)", len(todos))), nil
		},
	}

	todoread := &Descriptor{
		Name:        "todoread",
		Description: "Read the session's current todo list.",
		Parameters:  ObjectSchema(map[string]interface{}{}),
		Parallel:    true,
		Handler: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			sessionID := SessionIDFrom(ctx)
			if sessionID == "" {
				return ErrorResult("todoread: no session bound to this run"), nil
			}
			todos, err := store.GetTodos(ctx, sessionID)
			if err != nil {
				return ErrorResult(fmt.Sprintf("todoread: %v", err)), nil
			}
			if len(todos) == 0 {
				return NewResult("No todos."), nil
			}
			var sb strings.Builder
			for _, t := range todos {
				fmt.Fprintf(&sb, "- [%s] %s (%s)\n", t.Status, t.Content, t.Priority)
			}
			return NewResult(sb.String()), nil
		},
	}

	for _, d := range []*Descriptor{todowrite, todoread} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
