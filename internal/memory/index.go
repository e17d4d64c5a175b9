// Package memory is the shared semantic index: add/search over
// embedded text snippets. Embeddings are stored as JSON in SQLite and
// searched in-process with brute-force cosine similarity, which is
// plenty for the snippet counts one installation accumulates.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/soracode/renga/internal/providers"
)

// Entry is one indexed snippet.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is one search result.
type Hit struct {
	Entry
	Score float64 `json:"score"`
}

// Index is the directory-backed semantic store.
type Index struct {
	db       *sql.DB
	embedder providers.Embedder
}

// New opens (or creates) the index database. embedder may be nil, in
// which case Add and Search return an error and callers degrade
// gracefully.
func New(dbPath string, embedder providers.Embedder) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("memory: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	return &Index{db: db, embedder: embedder}, nil
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }

// Add embeds and stores one snippet.
func (x *Index) Add(ctx context.Context, text, source string) (*Entry, error) {
	if x.embedder == nil {
		return nil, fmt.Errorf("memory: no embedder configured")
	}
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Text:      text,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO entries (id, text, source, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, text, source, string(vecJSON), entry.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}
	return entry, nil
}

// Search returns the topK entries most similar to the query.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if x.embedder == nil {
		return nil, fmt.Errorf("memory: no embedder configured")
	}
	if topK <= 0 {
		topK = 5
	}

	queryVec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	rows, err := x.db.QueryContext(ctx, `SELECT id, text, source, embedding, created_at FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("memory: scan: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var embJSON string
		var created int64
		if err := rows.Scan(&h.ID, &h.Text, &h.Source, &embJSON, &created); err != nil {
			return nil, err
		}
		h.CreatedAt = time.UnixMilli(created).UTC()

		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			slog.Warn("memory: corrupt embedding, skipping", "id", h.ID)
			continue
		}
		h.Score = cosine(queryVec, vec)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
