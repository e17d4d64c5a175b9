// Package sessions is the durable conversation store: sessions,
// append-only messages, one rolling summary per session, todos, and
// sub-session linkage. Backed by a local SQLite file; all goroutines
// serialize through one connection so concurrent writers never hit
// SQLITE_BUSY.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/soracode/renga/internal/providers"
)

// Session statuses.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Session is one conversation. A session with a non-empty ParentID is
// a sub-session bound to one agent; (parent, agent) is unique.
type Session struct {
	ID          string            `json:"id"`
	Profile     string            `json:"profile"`
	Title       string            `json:"title"`
	Status      string            `json:"status"`
	ParentID    string            `json:"parent_id,omitempty"`
	AgentName   string            `json:"agent_name,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUpdated time.Time         `json:"last_updated"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Summary is the rolling summary for one session. Depth increments on
// every fold.
type Summary struct {
	SessionID     string    `json:"session_id"`
	Text          string    `json:"text"`
	CoversThrough time.Time `json:"covers_through"`
	CoversSeq     int64     `json:"covers_seq"`
	Depth         int       `json:"depth"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StoredMessage is a message row with its ordering sequence.
type StoredMessage struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	providers.Message
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements the session store over a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the sessions database at dbPath.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sessions: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN',
			parent_id TEXT,
			agent_name TEXT,
			created_at INTEGER NOT NULL,
			last_updated INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sub_session
			ON sessions(parent_id, agent_name) WHERE parent_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			role TEXT NOT NULL,
			agent_id TEXT,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			session_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			covers_through INTEGER NOT NULL,
			covers_seq INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_session ON todos(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sessions: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession creates a new top-level session.
func (s *Store) CreateSession(ctx context.Context, profile, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.NewString(),
		Profile:     profile,
		Title:       title,
		Status:      StatusOpen,
		CreatedAt:   now,
		LastUpdated: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, profile, title, status, created_at, last_updated, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, '{}')`,
		sess.ID, profile, title, StatusOpen, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	s.logger.Debug("session created", "session", sess.ID, "profile", profile)
	return sess, nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, profile, title, status, COALESCE(parent_id,''), COALESCE(agent_name,''),
		        created_at, last_updated, metadata
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var created, updated int64
	var metaJSON string
	err := row.Scan(&sess.ID, &sess.Profile, &sess.Title, &sess.Status,
		&sess.ParentID, &sess.AgentName, &created, &updated, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sessions: not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.LastUpdated = time.UnixMilli(updated).UTC()
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &sess.Metadata)
	}
	return &sess, nil
}

// SetStatus updates a session's status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_updated = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sessions: set status: %w", err)
	}
	return nil
}

// SetMetadata replaces a session's metadata map.
func (s *Store) SetMetadata(ctx context.Context, id string, meta map[string]string) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET metadata = ?, last_updated = ? WHERE id = ?`,
		string(b), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sessions: set metadata: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its dependent rows. Sub-sessions
// of the deleted session are removed too.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE parent_id = ?`, id)
	if err != nil {
		return err
	}
	ids := []string{id}
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, sub)
	}
	rows.Close()

	for _, sid := range ids {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM summaries WHERE session_id = ?`,
			`DELETE FROM todos WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, sid); err != nil {
				return fmt.Errorf("sessions: delete: %w", err)
			}
		}
	}
	return tx.Commit()
}

// ListSessions returns top-level sessions for a profile, most recent
// first. Empty profile lists all.
func (s *Store) ListSessions(ctx context.Context, profile string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, profile, title, status, COALESCE(parent_id,''), COALESCE(agent_name,''),
	                 created_at, last_updated, metadata
	          FROM sessions WHERE parent_id IS NULL`
	args := []interface{}{}
	if profile != "" {
		query += ` AND profile = ?`
		args = append(args, profile)
	}
	query += ` ORDER BY last_updated DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		var sess Session
		var created, updated int64
		var metaJSON string
		if err := rows.Scan(&sess.ID, &sess.Profile, &sess.Title, &sess.Status,
			&sess.ParentID, &sess.AgentName, &created, &updated, &metaJSON); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.UnixMilli(created).UTC()
		sess.LastUpdated = time.UnixMilli(updated).UTC()
		result = append(result, &sess)
	}
	return result, rows.Err()
}

// SubSessionID returns the ID of the sub-session bound to
// (parent, agent), or "" if none exists.
func (s *Store) SubSessionID(ctx context.Context, parentID, agentName string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE parent_id = ? AND agent_name = ?`,
		parentID, agentName).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessions: sub-session lookup: %w", err)
	}
	return id, nil
}

// CreateSubSession creates the unique sub-session for (parent, agent).
// If one already exists it is returned instead; the unique index makes
// the race harmless.
func (s *Store) CreateSubSession(ctx context.Context, parentID, agentName string) (*Session, error) {
	parent, err := s.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, profile, title, status, parent_id, agent_name, created_at, last_updated, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}')
		 ON CONFLICT(parent_id, agent_name) WHERE parent_id IS NOT NULL DO NOTHING`,
		id, parent.Profile, fmt.Sprintf("%s (%s)", parent.Title, agentName),
		StatusOpen, parentID, agentName, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sessions: create sub-session: %w", err)
	}

	existing, err := s.SubSessionID(ctx, parentID, agentName)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, existing)
}

// GetOrCreateSubSession resolves the unique sub-session for
// (parent, agent), creating it on first use.
func (s *Store) GetOrCreateSubSession(ctx context.Context, parentID, agentName string) (*Session, error) {
	id, err := s.SubSessionID(ctx, parentID, agentName)
	if err != nil {
		return nil, err
	}
	if id != "" {
		return s.GetSession(ctx, id)
	}
	return s.CreateSubSession(ctx, parentID, agentName)
}
