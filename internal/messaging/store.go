package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// Store persists agent messages.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the message store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize messaging schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_messages (
		message_id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		priority TEXT NOT NULL DEFAULT 'normal',
		timestamp DATETIME NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON agent_messages(recipient_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON agent_messages(sender_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for cross-store transactions.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InsertTx writes a message inside a caller-owned transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_messages (message_id, sender_id, recipient_id, content, message_type, priority, timestamp, delivered, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.SenderID, m.RecipientID, m.Content, m.MessageType, m.Priority,
		m.Timestamp, boolToInt(m.Delivered), boolToInt(m.Read))
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
	}
	return nil
}

// MarkDelivered flips the delivered flag after a successful live write.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET delivered = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message %s delivered: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkRead flips the read flag for every listed message owned by the
// recipient.
func (s *Store) MarkRead(ctx context.Context, recipientID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE agent_messages SET read = 1 WHERE message_id = ? AND recipient_id = ?`,
			id, recipientID); err != nil {
			return fmt.Errorf("failed to mark message %s read: %w", id, err)
		}
	}
	return nil
}

// ListFilter narrows message queries.
type ListFilter struct {
	RecipientID string
	SenderID    string
	UnreadOnly  bool
	Type        MessageType
	Since       time.Time
	Limit       int
}

// List returns messages matching the filter, oldest first so conversations
// read top to bottom.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Message, error) {
	query := `SELECT message_id, sender_id, recipient_id, content, message_type, priority, timestamp, delivered, read
		FROM agent_messages WHERE 1=1`
	var args []any
	if f.RecipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, f.RecipientID)
	}
	if f.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, f.SenderID)
	}
	if f.UnreadOnly {
		query += ` AND read = 0`
	}
	if f.Type != "" {
		query += ` AND message_type = ?`
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY timestamp, message_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		var delivered, read int
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.RecipientID, &m.Content,
			&m.MessageType, &m.Priority, &m.Timestamp, &delivered, &read); err != nil {
			return nil, err
		}
		m.Delivered = delivered != 0
		m.Read = read != 0
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// UnreadCount returns the number of unread messages for a recipient.
func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_messages WHERE recipient_id = ? AND read = 0`, recipientID).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
