// Package audit provides the append-only agent action log.
//
// Every component that mutates agent-visible state records an Action:
// lifecycle changes, task transitions, file lock activity, message and
// assistance traffic, and audit reconciliations themselves. The log backs
// the view_audit_log tool and the staleness judgements of the session
// audits.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Action is a single audit log entry. Details is an opaque JSON object.
type Action struct {
	ID         int64           `db:"id" json:"id"`
	AgentID    string          `db:"agent_id" json:"agent_id"`
	ActionType string          `db:"action_type" json:"action_type"`
	TaskID     string          `db:"task_id" json:"task_id,omitempty"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
}

// Well-known action types.
const (
	ActionCreatedAgent      = "created_agent"
	ActionTerminatedAgent   = "terminated_agent"
	ActionRelaunchedAgent   = "relaunch_agent"
	ActionAuditResolution   = "audit_resolution"
	ActionTaskCreated       = "task_created"
	ActionTaskAssigned      = "task_assigned"
	ActionTaskStatusUpdated = "task_status_updated"
	ActionFileInUse         = "file_in_use"
	ActionFileReleased      = "file_released"
	ActionMessageSent       = "message_sent"
	ActionRequestAssistance = "request_assistance"
)

// Store persists audit actions.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the audit store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_agent ON agent_actions(agent_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_type ON agent_actions(action_type, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Log appends an action in its own transaction.
func (s *Store) Log(ctx context.Context, agentID, actionType, taskID string, details any) error {
	return logExec(ctx, s.db, agentID, actionType, taskID, details)
}

// LogTx appends an action inside a caller-owned transaction so the entry
// commits or aborts with the domain mutation it describes.
func (s *Store) LogTx(ctx context.Context, tx *sqlx.Tx, agentID, actionType, taskID string, details any) error {
	return logExec(ctx, tx, agentID, actionType, taskID, details)
}

// LogAtTx is LogTx with an explicit timestamp, for entries that must share
// a timestamp with the row they describe.
func (s *Store) LogAtTx(ctx context.Context, tx *sqlx.Tx, ts time.Time, agentID, actionType, taskID string, details any) error {
	return logExecAt(ctx, tx, ts, agentID, actionType, taskID, details)
}

func logExec(ctx context.Context, e sqlx.ExtContext, agentID, actionType, taskID string, details any) error {
	return logExecAt(ctx, e, time.Now().UTC(), agentID, actionType, taskID, details)
}

func logExecAt(ctx context.Context, e sqlx.ExtContext, ts time.Time, agentID, actionType, taskID string, details any) error {
	detailsJSON := []byte("{}")
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode action details: %w", err)
		}
		detailsJSON = encoded
	}
	_, err := e.ExecContext(ctx,
		`INSERT INTO agent_actions (agent_id, action_type, task_id, timestamp, details)
		 VALUES (?, ?, ?, ?, ?)`,
		agentID, actionType, taskID, ts.UTC(), string(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to log agent action: %w", err)
	}
	return nil
}

// Filter narrows Recent queries. Zero values match everything.
type Filter struct {
	AgentID    string
	ActionType string
	Since      time.Time
	Limit      int
}

// Recent returns actions matching the filter, newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]*Action, error) {
	query := `SELECT id, agent_id, action_type, task_id, timestamp, details FROM agent_actions WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, f.ActionType)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*Action
	for rows.Next() {
		var a Action
		var details string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.ActionType, &a.TaskID, &a.Timestamp, &details); err != nil {
			return nil, err
		}
		a.Details = json.RawMessage(details)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// LastActivity returns the timestamp of the agent's most recent action,
// or the zero time when the agent has none.
func (s *Store) LastActivity(ctx context.Context, agentID string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM agent_actions WHERE agent_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		agentID).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return ts, nil
}
