// Package filelock arbitrates file ownership between agents: at most one
// agent holds a path in_use at a time. Lock history is retained.
package filelock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Lock statuses.
const (
	StatusInUse    = "in_use"
	StatusReleased = "released"
)

// ErrLockHeld is returned when another agent holds the path.
var ErrLockHeld = errors.New("file is locked by another agent")

// ErrNoLock is returned when releasing a path the agent does not hold.
var ErrNoLock = errors.New("no active lock held by this agent")

// Lock is one row of lock history.
type Lock struct {
	ID         int64      `db:"id" json:"id"`
	Filepath   string     `db:"filepath" json:"filepath"`
	AgentID    string     `db:"agent_id" json:"agent_id"`
	Status     string     `db:"status" json:"status"`
	Notes      string     `db:"notes" json:"notes,omitempty"`
	LockedAt   time.Time  `db:"locked_at" json:"locked_at"`
	ReleasedAt *time.Time `db:"released_at" json:"released_at,omitempty"`
}

// CheckResult is the answer to check_file_status.
type CheckResult struct {
	Filepath string `json:"filepath"`
	Status   string `json:"status"` // "locked" or "available"
	CanEdit  bool   `json:"can_edit"`
	LockedBy *Lock  `json:"locked_by,omitempty"`
}

// WorkingDirResolver resolves an agent's working directory for relative
// path normalization. Implemented by the agent manager.
type WorkingDirResolver interface {
	WorkingDirectory(ctx context.Context, agentID string) (string, error)
}

// Arbiter owns the file_status table.
type Arbiter struct {
	db       *sqlx.DB
	workdirs WorkingDirResolver
	actions  *audit.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewArbiter creates the arbiter and its schema.
func NewArbiter(database *sqlx.DB, workdirs WorkingDirResolver, actions *audit.Store,
	eventBus bus.EventBus, log *logger.Logger) (*Arbiter, error) {
	a := &Arbiter{
		db:       database,
		workdirs: workdirs,
		actions:  actions,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "filelock")),
	}
	if err := a.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize filelock schema: %w", err)
	}
	return a, nil
}

func (a *Arbiter) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filepath TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		locked_at DATETIME NOT NULL,
		released_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_file_status_path ON file_status(filepath, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_file_status_inuse ON file_status(filepath) WHERE status = 'in_use';
	`
	_, err := a.db.Exec(schema)
	return err
}

// normalize resolves the path to absolute, using the agent's working
// directory as the base for relative paths.
func (a *Arbiter) normalize(ctx context.Context, path, agentID string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("filepath is required")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	base := ""
	if a.workdirs != nil && agentID != "" {
		wd, err := a.workdirs.WorkingDirectory(ctx, agentID)
		if err == nil {
			base = wd
		}
	}
	if base == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
		}
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(filepath.Join(base, path)), nil
}

// Acquire marks the path in_use by the agent. A lock held by a different
// agent fails; a stale lock held by the same agent is replaced.
func (a *Arbiter) Acquire(ctx context.Context, path, agentID, notes string) (*Lock, error) {
	normalized, err := a.normalize(ctx, path, agentID)
	if err != nil {
		return nil, err
	}

	var lock *Lock
	err = db.WithTx(ctx, a.db, func(tx *sqlx.Tx) error {
		holder, err := activeLock(ctx, tx, normalized)
		if err != nil {
			return err
		}
		if holder != nil {
			if holder.AgentID != agentID {
				return fmt.Errorf("%w: %s is held by %s since %s",
					ErrLockHeld, normalized, holder.AgentID, holder.LockedAt.Format(time.RFC3339))
			}
			// Replace the agent's own stale lock.
			if err := releaseRow(ctx, tx, holder.ID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO file_status (filepath, agent_id, status, notes, locked_at)
			 VALUES (?, ?, ?, ?, ?)`,
			normalized, agentID, StatusInUse, notes, now)
		if err != nil {
			return fmt.Errorf("failed to acquire lock on %s: %w", normalized, err)
		}
		id, _ := res.LastInsertId()
		lock = &Lock{ID: id, Filepath: normalized, AgentID: agentID, Status: StatusInUse, Notes: notes, LockedAt: now}

		return a.actions.LogTx(ctx, tx, agentID, audit.ActionFileInUse, "",
			map[string]any{"filepath": normalized, "notes": notes})
	})
	if err != nil {
		return nil, err
	}

	a.publish(ctx, events.FileLocked, normalized, agentID)
	a.logger.Info("file locked", zap.String("filepath", normalized), zap.String("agent_id", agentID))
	return lock, nil
}

// Release clears the agent's in_use row on the path.
func (a *Arbiter) Release(ctx context.Context, path, agentID, notes string) error {
	normalized, err := a.normalize(ctx, path, agentID)
	if err != nil {
		return err
	}

	err = db.WithTx(ctx, a.db, func(tx *sqlx.Tx) error {
		holder, err := activeLock(ctx, tx, normalized)
		if err != nil {
			return err
		}
		if holder == nil || holder.AgentID != agentID {
			return fmt.Errorf("%w: %s on %s", ErrNoLock, agentID, normalized)
		}
		if err := releaseRow(ctx, tx, holder.ID); err != nil {
			return err
		}
		return a.actions.LogTx(ctx, tx, agentID, audit.ActionFileReleased, "",
			map[string]any{"filepath": normalized, "notes": notes})
	})
	if err != nil {
		return err
	}

	a.publish(ctx, events.FileReleased, normalized, agentID)
	a.logger.Info("file released", zap.String("filepath", normalized), zap.String("agent_id", agentID))
	return nil
}

// Check reports whether the agent may edit the path.
func (a *Arbiter) Check(ctx context.Context, path, agentID string) (*CheckResult, error) {
	normalized, err := a.normalize(ctx, path, agentID)
	if err != nil {
		return nil, err
	}
	holder, err := activeLock(ctx, a.db, normalized)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{Filepath: normalized}
	if holder == nil {
		result.Status = "available"
		result.CanEdit = true
		return result, nil
	}
	result.Status = "locked"
	result.CanEdit = holder.AgentID == agentID
	result.LockedBy = holder
	return result, nil
}

// ActiveLocks returns every in_use row, optionally filtered by agent.
func (a *Arbiter) ActiveLocks(ctx context.Context, agentID string) ([]*Lock, error) {
	query := `SELECT id, filepath, agent_id, status, notes, locked_at, released_at
		FROM file_status WHERE status = ?`
	args := []any{StatusInUse}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY locked_at`

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ReleaseAllFor releases every lock the agent holds. Used on termination.
func (a *Arbiter) ReleaseAllFor(ctx context.Context, agentID string) (int, error) {
	res, err := a.db.ExecContext(ctx,
		`UPDATE file_status SET status = ?, released_at = ? WHERE agent_id = ? AND status = ?`,
		StatusReleased, time.Now().UTC(), agentID, StatusInUse)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks for %s: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func activeLock(ctx context.Context, q sqlx.QueryerContext, path string) (*Lock, error) {
	row := q.QueryRowxContext(ctx,
		`SELECT id, filepath, agent_id, status, notes, locked_at, released_at
		 FROM file_status WHERE filepath = ? AND status = ?`, path, StatusInUse)
	l, err := scanLock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

func releaseRow(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE file_status SET status = ?, released_at = ? WHERE id = ?`,
		StatusReleased, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to release lock row %d: %w", id, err)
	}
	return nil
}

func scanLock(row interface{ Scan(dest ...any) error }) (*Lock, error) {
	var l Lock
	var releasedAt sql.NullTime
	if err := row.Scan(&l.ID, &l.Filepath, &l.AgentID, &l.Status, &l.Notes, &l.LockedAt, &releasedAt); err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		l.ReleasedAt = &t
	}
	return &l, nil
}

func (a *Arbiter) publish(ctx context.Context, eventType, path, agentID string) {
	if a.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "filelock", map[string]any{"filepath": path, "agent_id": agentID})
	if err := a.eventBus.Publish(ctx, eventType, event); err != nil {
		a.logger.WithError(err).Warn("failed to publish filelock event")
	}
}
