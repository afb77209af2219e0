package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	commonsqlite "github.com/agentmux/agentmux/internal/common/sqlite"
)

// ErrNotFound is returned when an agent id does not exist.
var ErrNotFound = errors.New("agent not found")

// Store persists agents. It also serves as the auth token directory and
// the task engine's assignee checker.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the agent store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'created',
		current_task TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		color INTEGER NOT NULL DEFAULT 0,
		session_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		terminated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_token ON agents(token);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Older databases stored background objectives as an overloaded
	// current_task marker; these columns carry them properly.
	if err := commonsqlite.EnsureColumn(s.db.DB, "agents", "kind", "TEXT NOT NULL DEFAULT 'worker'"); err != nil {
		return err
	}
	return commonsqlite.EnsureColumn(s.db.DB, "agents", "background_objectives", "TEXT NOT NULL DEFAULT '[]'")
}

// DB exposes the underlying handle for cross-store transactions.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const agentColumns = `agent_id, token, kind, capabilities, status, current_task, background_objectives,
	working_directory, color, session_name, created_at, updated_at, terminated_at`

func scanAgent(row interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var capsJSON, objsJSON string
	var terminatedAt sql.NullTime
	err := row.Scan(&a.AgentID, &a.Token, &a.Kind, &capsJSON, &a.Status, &a.CurrentTask, &objsJSON,
		&a.WorkingDirectory, &a.Color, &a.SessionName, &a.CreatedAt, &a.UpdatedAt, &terminatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities for %s: %w", a.AgentID, err)
	}
	if err := json.Unmarshal([]byte(objsJSON), &a.BackgroundObjectives); err != nil {
		return nil, fmt.Errorf("failed to decode background_objectives for %s: %w", a.AgentID, err)
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		a.TerminatedAt = &t
	}
	return &a, nil
}

func encodeList(list []string) string {
	if list == nil {
		return "[]"
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// Insert writes a new agent row.
func (s *Store) Insert(ctx context.Context, e sqlx.ExtContext, a *Agent) error {
	if e == nil {
		e = s.db
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := e.ExecContext(ctx,
		`INSERT INTO agents (agent_id, token, kind, capabilities, status, current_task, background_objectives,
		 working_directory, color, session_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.Token, a.Kind, encodeList(a.Capabilities), a.Status, a.CurrentTask,
		encodeList(a.BackgroundObjectives), a.WorkingDirectory, a.Color, a.SessionName,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", a.AgentID, err)
	}
	return nil
}

// Get fetches one agent by id.
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	return s.GetTx(ctx, s.db, agentID)
}

// GetTx fetches one agent inside a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, q sqlx.QueryerContext, agentID string) (*Agent, error) {
	row := q.QueryRowxContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// Update rewrites every mutable column of the agent.
func (s *Store) Update(ctx context.Context, e sqlx.ExtContext, a *Agent) error {
	if e == nil {
		e = s.db
	}
	a.UpdatedAt = time.Now().UTC()
	var terminatedAt any
	if a.TerminatedAt != nil {
		terminatedAt = a.TerminatedAt.UTC()
	}
	res, err := e.ExecContext(ctx,
		`UPDATE agents SET token = ?, kind = ?, capabilities = ?, status = ?, current_task = ?,
		 background_objectives = ?, working_directory = ?, color = ?, session_name = ?,
		 updated_at = ?, terminated_at = ?
		 WHERE agent_id = ?`,
		a.Token, a.Kind, encodeList(a.Capabilities), a.Status, a.CurrentTask,
		encodeList(a.BackgroundObjectives), a.WorkingDirectory, a.Color, a.SessionName,
		a.UpdatedAt, terminatedAt, a.AgentID)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", a.AgentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns agents matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentExists reports whether the agent id is known.
func (s *Store) AgentExists(ctx context.Context, agentID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE agent_id = ?`, agentID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AgentIDByToken resolves a worker token. Satisfies auth.TokenDirectory.
func (s *Store) AgentIDByToken(ctx context.Context, token string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM agents WHERE token = ?`, token).Scan(&agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return agentID, nil
}

// CountByStatus returns agent counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
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

// NextColor returns the rotating palette index for the next agent.
func (s *Store) NextColor(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, err
	}
	return n % PaletteSize(), nil
}
