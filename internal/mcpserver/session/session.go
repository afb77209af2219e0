// Package session persists transport sessions so a client can survive a
// disconnect: within the grace period the same session id resumes with its
// state; after it, the row is marked expired and evicted.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Session statuses.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusRecovered    = "recovered"
	StatusExpired      = "expired"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// ErrExpired is returned when the grace period has passed.
var ErrExpired = errors.New("session grace period expired")

// Session is one persisted transport session.
type Session struct {
	SessionID          string          `db:"session_id" json:"session_id"`
	Status             string          `db:"status" json:"status"`
	TransportState     json.RawMessage `db:"transport_state" json:"transport_state,omitempty"`
	Conversation       json.RawMessage `db:"conversation" json:"conversation,omitempty"`
	ConnectedAt        time.Time       `db:"connected_at" json:"connected_at"`
	LastHeartbeat      time.Time       `db:"last_heartbeat" json:"last_heartbeat"`
	DisconnectedAt     *time.Time      `db:"disconnected_at" json:"disconnected_at,omitempty"`
	GracePeriodExpires *time.Time      `db:"grace_period_expires" json:"grace_period_expires,omitempty"`
	RecoveryAttempts   int             `db:"recovery_attempts" json:"recovery_attempts"`
}

// Manager owns the session table and the expiry reaper.
type Manager struct {
	db       *sqlx.DB
	cfg      config.SessionConfig
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewManager creates the session manager and its schema.
func NewManager(db *sqlx.DB, cfg config.SessionConfig, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		db:       db,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		transport_state TEXT NOT NULL DEFAULT '{}',
		conversation TEXT NOT NULL DEFAULT '{}',
		connected_at DATETIME NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		disconnected_at DATETIME,
		grace_period_expires DATETIME,
		recovery_attempts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON mcp_sessions(status, grace_period_expires);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Connect records a new session, or recovers an existing one presented
// within its grace period.
func (m *Manager) Connect(ctx context.Context, sessionID string) (*Session, error) {
	existing, err := m.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case StatusDisconnected:
			return m.recover(ctx, existing)
		case StatusExpired:
			// The id is stale; replace the row with a fresh session.
			if _, err := m.db.ExecContext(ctx, `DELETE FROM mcp_sessions WHERE session_id = ?`, sessionID); err != nil {
				return nil, err
			}
		default:
			// Already active or recovered; just refresh the heartbeat.
			if err := m.Heartbeat(ctx, sessionID); err != nil {
				return nil, err
			}
			return m.Get(ctx, sessionID)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:     sessionID,
		Status:        StatusActive,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO mcp_sessions (session_id, status, connected_at, last_heartbeat)
		 VALUES (?, ?, ?, ?)`,
		s.SessionID, s.Status, s.ConnectedAt, s.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("failed to persist session %s: %w", sessionID, err)
	}
	m.publish(ctx, events.SessionConnected, sessionID, nil)
	m.logger.Debug("session connected", zap.String("session_id", sessionID))
	return s, nil
}

// recover resumes a disconnected session within its grace period.
func (m *Manager) recover(ctx context.Context, s *Session) (*Session, error) {
	now := time.Now().UTC()
	if s.GracePeriodExpires != nil && now.After(*s.GracePeriodExpires) {
		if err := m.expire(ctx, s.SessionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, s.SessionID)
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE mcp_sessions SET status = ?, last_heartbeat = ?, disconnected_at = NULL,
		 grace_period_expires = NULL, recovery_attempts = recovery_attempts + 1
		 WHERE session_id = ?`,
		StatusRecovered, now, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to recover session %s: %w", s.SessionID, err)
	}
	m.publish(ctx, events.SessionRecovered, s.SessionID, map[string]any{
		"recovery_attempts": s.RecoveryAttempts + 1,
	})
	m.logger.Info("session recovered", zap.String("session_id", s.SessionID),
		zap.Int("attempts", s.RecoveryAttempts+1))
	return m.Get(ctx, s.SessionID)
}

// Heartbeat refreshes last_heartbeat. Called on every request.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE mcp_sessions SET last_heartbeat = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// Disconnect marks the session disconnected and starts its grace period.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	expires := now.Add(m.cfg.GracePeriod())
	res, err := m.db.ExecContext(ctx,
		`UPDATE mcp_sessions SET status = ?, disconnected_at = ?, grace_period_expires = ?
		 WHERE session_id = ? AND status IN (?, ?)`,
		StatusDisconnected, now, expires, sessionID, StatusActive, StatusRecovered)
	if err != nil {
		return fmt.Errorf("failed to mark session %s disconnected: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	m.publish(ctx, events.SessionDisconnected, sessionID, map[string]any{
		"grace_period_expires": expires.Format(time.RFC3339),
	})
	m.logger.Debug("session disconnected", zap.String("session_id", sessionID))
	return nil
}

// SaveState persists the transport and conversation snapshots.
func (m *Manager) SaveState(ctx context.Context, sessionID string, transportState, conversation json.RawMessage) error {
	if transportState == nil {
		transportState = json.RawMessage("{}")
	}
	if conversation == nil {
		conversation = json.RawMessage("{}")
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE mcp_sessions SET transport_state = ?, conversation = ?, last_heartbeat = ?
		 WHERE session_id = ?`,
		string(transportState), string(conversation), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to save session state %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Get fetches one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var transportState, conversation string
	var disconnectedAt, expires sql.NullTime
	err := m.db.QueryRowxContext(ctx,
		`SELECT session_id, status, transport_state, conversation, connected_at, last_heartbeat,
		 disconnected_at, grace_period_expires, recovery_attempts
		 FROM mcp_sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.Status, &transportState, &conversation, &s.ConnectedAt,
			&s.LastHeartbeat, &disconnectedAt, &expires, &s.RecoveryAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	s.TransportState = json.RawMessage(transportState)
	s.Conversation = json.RawMessage(conversation)
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		s.DisconnectedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		s.GracePeriodExpires = &t
	}
	return &s, nil
}

// List returns every persisted session, newest heartbeat first.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	rows, err := m.db.QueryxContext(ctx,
		`SELECT session_id FROM mcp_sessions ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (m *Manager) expire(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE mcp_sessions SET status = ? WHERE session_id = ?`, StatusExpired, sessionID)
	if err != nil {
		return err
	}
	m.publish(ctx, events.SessionExpired, sessionID, nil)
	return nil
}

// Reap marks sessions past their grace period as expired and evicts rows
// that were already expired on the previous pass.
func (m *Manager) Reap(ctx context.Context) error {
	now := time.Now().UTC()

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM mcp_sessions WHERE status = ?`, StatusExpired); err != nil {
		return fmt.Errorf("failed to evict expired sessions: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT session_id FROM mcp_sessions WHERE status = ? AND grace_period_expires < ?`,
		StatusDisconnected, now)
	if err != nil {
		return fmt.Errorf("failed to find expiring sessions: %w", err)
	}
	var expiring []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		expiring = append(expiring, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range expiring {
		if err := m.expire(ctx, id); err != nil {
			m.logger.WithError(err).Warn("failed to expire session", zap.String("session_id", id))
		}
	}
	if len(expiring) > 0 {
		m.logger.Info("sessions expired", zap.Int("count", len(expiring)))
	}
	return nil
}

// RunReaper evicts expired sessions on the configured interval until the
// context ends.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reap(ctx); err != nil {
				m.logger.WithError(err).Warn("session reap failed")
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if m.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	if err := m.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.WithError(err).Warn("failed to publish session event")
	}
}
