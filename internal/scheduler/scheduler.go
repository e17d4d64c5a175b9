// Package scheduler runs cron-scheduled task descriptions through the
// orchestration entry point. Tasks are durable rows in a SQLite table;
// a 60-second loop picks up whatever is due.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Loop and execution defaults.
const (
	TickInterval   = 60 * time.Second
	DefaultTimeout = 5 * time.Minute
	historyKeep    = 20
)

// Task is one scheduled job.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CronExpr    string    `json:"cron_expr"`
	Profile     string    `json:"profile"`
	Enabled     bool      `json:"enabled"`
	NextRun     time.Time `json:"next_run"`
	LastRun     time.Time `json:"last_run,omitempty"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunRecord is one past execution of a task.
type RunRecord struct {
	TaskID     string    `json:"task_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Deliver hands a due task's description to the orchestration entry
// point and returns the final text.
type Deliver func(ctx context.Context, description, profileName string) (string, error)

// Scheduler owns the durable task table and the ticking loop.
type Scheduler struct {
	db      *sql.DB
	deliver Deliver
	timeout time.Duration
	gron    *gronx.Gronx
	logger  *slog.Logger
	done    chan struct{}
}

func New(dbPath string, deliver Deliver) (*Scheduler, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("scheduler: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Scheduler{
		db:      db,
		deliver: deliver,
		timeout: DefaultTimeout,
		gron:    gronx.New(),
		logger:  slog.Default(),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	profile TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	next_run INTEGER NOT NULL,
	last_run INTEGER,
	working_dir TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	started_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON task_runs(task_id);
`)
	if err != nil {
		return fmt.Errorf("scheduler: init schema: %w", err)
	}
	return nil
}

func (s *Scheduler) Close() error {
	s.Stop()
	return s.db.Close()
}

// Add validates the cron expression and persists a new enabled task.
func (s *Scheduler) Add(ctx context.Context, description, cronExpr, profileName, workingDir string) (*Task, error) {
	if !s.gron.IsValid(cronExpr) {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q", cronExpr)
	}
	next, err := gronx.NextTick(cronExpr, false)
	if err != nil {
		return nil, fmt.Errorf("scheduler: compute next run: %w", err)
	}

	task := &Task{
		ID:          uuid.NewString(),
		Description: description,
		CronExpr:    cronExpr,
		Profile:     profileName,
		Enabled:     true,
		NextRun:     next,
		WorkingDir:  workingDir,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, description, cron_expr, profile, enabled, next_run, working_dir, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		task.ID, description, cronExpr, profileName, next.Unix(), workingDir, task.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("scheduler: insert task: %w", err)
	}
	return task, nil
}

// SetEnabled flips a task on or off.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("scheduler: update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	return nil
}

// Delete removes a task and its run history.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("scheduler: delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("scheduler: delete task: %w", err)
	}
	return tx.Commit()
}

// List returns all tasks, soonest next run first.
func (s *Scheduler) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, cron_expr, profile, enabled, next_run, COALESCE(last_run, 0), working_dir, created_at
		FROM tasks ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Runs returns a task's recent run history, newest first.
func (s *Scheduler) Runs(ctx context.Context, taskID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, started_at, duration_ms, ok, output, error
		FROM task_runs WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, historyKeep)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started int64
		var ok int
		if err := rows.Scan(&r.TaskID, &started, &r.DurationMS, &ok, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Start begins the ticking loop. Stop (or ctx cancellation) ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.done = make(chan struct{})
	ticker := time.NewTicker(TickInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", "interval", TickInterval)
}

// Stop ends the loop if it is running.
func (s *Scheduler) Stop() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// Tick runs one due-task sweep. Exposed for tests and for one-shot CLI
// invocation.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.dueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("scheduler sweep failed", "error", err)
		return
	}
	for _, task := range due {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) dueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, cron_expr, profile, enabled, next_run, COALESCE(last_run, 0), working_dir, created_at
		FROM tasks WHERE enabled = 1 AND next_run <= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("scheduler: query due: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// runTask delivers one task with the per-execution timeout, then
// updates last_run and the recomputed next_run regardless of outcome.
func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	started := time.Now()
	tctx, cancelFn := context.WithTimeout(ctx, s.timeout)
	output, err := s.deliver(tctx, task.Description, task.Profile)
	cancelFn()
	duration := time.Since(started)

	record := RunRecord{
		TaskID:     task.ID,
		StartedAt:  started.UTC(),
		DurationMS: duration.Milliseconds(),
		OK:         err == nil,
		Output:     truncate(output, 4000),
	}
	if err != nil {
		record.Error = err.Error()
		s.logger.Warn("scheduled task failed", "task", task.ID, "error", err)
	} else {
		s.logger.Info("scheduled task completed", "task", task.ID, "duration", duration)
	}

	next, nerr := gronx.NextTick(task.CronExpr, false)
	if nerr != nil {
		// Unparseable expression should have been caught on Add;
		// disable instead of spinning every tick.
		s.logger.Error("disabling task with bad cron expression", "task", task.ID, "error", nerr)
		_, _ = s.db.ExecContext(ctx, `UPDATE tasks SET enabled = 0 WHERE id = ?`, task.ID)
		return
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_run = ?, next_run = ? WHERE id = ?`,
		started.Unix(), next.Unix(), task.ID); err != nil {
		s.logger.Error("failed to persist task times", "task", task.ID, "error", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (task_id, started_at, duration_ms, ok, output, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.TaskID, record.StartedAt.Unix(), record.DurationMS,
		boolInt(record.OK), record.Output, record.Error); err != nil {
		s.logger.Warn("failed to persist run record", "task", task.ID, "error", err)
	}
	// Bound per-task history.
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM task_runs WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_runs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)`, task.ID, task.ID, historyKeep)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var enabled int
	var next, last, created int64
	if err := row.Scan(&t.ID, &t.Description, &t.CronExpr, &t.Profile,
		&enabled, &next, &last, &t.WorkingDir, &created); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	t.NextRun = time.Unix(next, 0).UTC()
	if last > 0 {
		t.LastRun = time.Unix(last, 0).UTC()
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
