package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Store persists tasks. Graph and assignment invariants are enforced by the
// Service; the Store is a dumb row mapper.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the task store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT 'admin',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		parent_task TEXT NOT NULL DEFAULT '',
		child_tasks TEXT NOT NULL DEFAULT '[]',
		depends_on_tasks TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for cross-store transactions.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const taskColumns = `task_id, title, description, assigned_to, created_by, status, priority,
	parent_task, child_tasks, depends_on_tasks, notes, created_at, updated_at`

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var childJSON, depsJSON, notesJSON string
	err := row.Scan(&t.TaskID, &t.Title, &t.Description, &t.AssignedTo, &t.CreatedBy,
		&t.Status, &t.Priority, &t.ParentTask, &childJSON, &depsJSON, &notesJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(childJSON), &t.ChildTasks); err != nil {
		return nil, fmt.Errorf("failed to decode child_tasks for %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.DependsOnTasks); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on_tasks for %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal([]byte(notesJSON), &t.Notes); err != nil {
		return nil, fmt.Errorf("failed to decode notes for %s: %w", t.TaskID, err)
	}
	return &t, nil
}

func encodeList[T any](list []T) string {
	if list == nil {
		return "[]"
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// Insert writes a new task row.
func (s *Store) Insert(ctx context.Context, e sqlx.ExtContext, t *Task) error {
	if e == nil {
		e = s.db
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := e.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Title, t.Description, t.AssignedTo, t.CreatedBy, t.Status, t.Priority,
		t.ParentTask, encodeList(t.ChildTasks), encodeList(t.DependsOnTasks), encodeList(t.Notes),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.TaskID, err)
	}
	return nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.GetTx(ctx, s.db, taskID)
}

// GetTx fetches one task inside a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, q sqlx.QueryerContext, taskID string) (*Task, error) {
	row := q.QueryRowxContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// Update rewrites every mutable column of the task.
func (s *Store) Update(ctx context.Context, e sqlx.ExtContext, t *Task) error {
	if e == nil {
		e = s.db
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := e.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, assigned_to = ?, status = ?, priority = ?,
		 parent_task = ?, child_tasks = ?, depends_on_tasks = ?, notes = ?, updated_at = ?
		 WHERE task_id = ?`,
		t.Title, t.Description, t.AssignedTo, t.Status, t.Priority,
		t.ParentTask, encodeList(t.ChildTasks), encodeList(t.DependsOnTasks), encodeList(t.Notes),
		t.UpdatedAt, t.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.TaskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the task row.
func (s *Store) Delete(ctx context.Context, e sqlx.ExtContext, taskID string) error {
	if e == nil {
		e = s.db
	}
	res, err := e.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.UnassignedOnly {
		query += ` AND assigned_to = ''`
	} else if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.ParentTask != "" {
		query += ` AND parent_task = ?`
		args = append(args, f.ParentTask)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListAssignedTo returns every task currently owned by the agent,
// regardless of status.
func (s *Store) ListAssignedTo(ctx context.Context, q sqlx.QueryerContext, agentID string) ([]*Task, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryxContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE assigned_to = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for agent %s: %w", agentID, err)
	}
	return collectTasks(rows)
}

// Search returns tasks whose title, description, or notes contain the
// substring, case-insensitive.
func (s *Store) Search(ctx context.Context, substring string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + substring + "%"
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE title LIKE ? COLLATE NOCASE
		    OR description LIKE ? COLLATE NOCASE
		    OR notes LIKE ? COLLATE NOCASE
		 ORDER BY created_at DESC LIMIT ?`,
		pattern, pattern, pattern, limit)
}

// CountByStatus returns task counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdatedSince returns tasks touched after the watermark. Drives the
// incremental RAG indexer.
func (s *Store) UpdatedSince(ctx context.Context, since time.Time) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE updated_at > ? ORDER BY updated_at`, since.UTC())
}

// All returns every task. Used by cycle detection and consistency checks.
func (s *Store) All(ctx context.Context, q sqlx.QueryerContext) ([]*Task, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryxContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list all tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sqlx.Rows) ([]*Task, error) {
	defer func() { _ = rows.Close() }()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
