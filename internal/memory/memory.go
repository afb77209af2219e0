// Package memory holds the opaque key-value stores shared with agents:
// project context, per-file metadata, and admin configuration. Values are
// JSON-encoded strings; the server never interprets them beyond storage,
// except for the admin_config keys it owns itself.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrKeyNotFound is returned when a key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Entry is one key-value row.
type Entry struct {
	Key         string    `db:"key" json:"key"`
	Value       string    `db:"value" json:"value"`
	Description string    `db:"description" json:"description,omitempty"`
	UpdatedBy   string    `db:"updated_by" json:"updated_by"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
}

// kvTable is one of the three key-value tables. All share a schema.
type kvTable struct {
	db    *sqlx.DB
	table string
}

func newKVTable(db *sqlx.DB, table string) (*kvTable, error) {
	t := &kvTable{db: db, table: table}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		last_updated DATETIME NOT NULL
	);`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize %s schema: %w", table, err)
	}
	return t, nil
}

// Set upserts a key.
func (t *kvTable) Set(ctx context.Context, key, value, description, updatedBy string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, description, updated_by, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_by = excluded.updated_by,
			last_updated = excluded.last_updated`, t.table),
		key, value, description, updatedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set %s key %q: %w", t.table, key, err)
	}
	return nil
}

// Get fetches one key.
func (t *kvTable) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := t.db.QueryRowxContext(ctx, fmt.Sprintf(
		`SELECT key, value, description, updated_by, last_updated FROM %s WHERE key = ?`, t.table),
		key).StructScan(&e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s in %s", ErrKeyNotFound, key, t.table)
		}
		return nil, err
	}
	return &e, nil
}

// List returns every entry, ordered by key. A non-empty prefix filters.
func (t *kvTable) List(ctx context.Context, prefix string) ([]*Entry, error) {
	query := fmt.Sprintf(`SELECT key, value, description, updated_by, last_updated FROM %s`, t.table)
	var args []any
	if prefix != "" {
		query += ` WHERE key LIKE ?`
		args = append(args, prefix+"%")
	}
	query += ` ORDER BY key`

	rows, err := t.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.table, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// UpdatedSince returns entries touched after the watermark. Drives the
// incremental RAG indexer.
func (t *kvTable) UpdatedSince(ctx context.Context, since time.Time) ([]*Entry, error) {
	rows, err := t.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT key, value, description, updated_by, last_updated FROM %s WHERE last_updated > ? ORDER BY last_updated`,
		t.table), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s since watermark: %w", t.table, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Delete removes a key.
func (t *kvTable) Delete(ctx context.Context, key string) error {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, t.table), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s key %q: %w", t.table, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s in %s", ErrKeyNotFound, key, t.table)
	}
	return nil
}

// Service bundles the three key-value stores.
type Service struct {
	projectContext *kvTable
	fileMetadata   *kvTable
	adminConfig    *kvTable
}

// NewService creates the memory service and its schemas.
func NewService(db *sqlx.DB) (*Service, error) {
	projectContext, err := newKVTable(db, "project_context")
	if err != nil {
		return nil, err
	}
	fileMetadata, err := newKVTable(db, "file_metadata")
	if err != nil {
		return nil, err
	}
	adminConfig, err := newKVTable(db, "admin_config")
	if err != nil {
		return nil, err
	}
	return &Service{
		projectContext: projectContext,
		fileMetadata:   fileMetadata,
		adminConfig:    adminConfig,
	}, nil
}

// SetProjectContext upserts a project context entry.
func (s *Service) SetProjectContext(ctx context.Context, key, value, description, updatedBy string) error {
	return s.projectContext.Set(ctx, key, value, description, updatedBy)
}

// GetProjectContext fetches one project context entry.
func (s *Service) GetProjectContext(ctx context.Context, key string) (*Entry, error) {
	return s.projectContext.Get(ctx, key)
}

// ListProjectContext returns project context entries, optionally by prefix.
func (s *Service) ListProjectContext(ctx context.Context, prefix string) ([]*Entry, error) {
	return s.projectContext.List(ctx, prefix)
}

// ProjectContextSince returns context entries touched after the watermark.
func (s *Service) ProjectContextSince(ctx context.Context, since time.Time) ([]*Entry, error) {
	return s.projectContext.UpdatedSince(ctx, since)
}

// SetFileMetadata upserts a file metadata entry keyed by path.
func (s *Service) SetFileMetadata(ctx context.Context, path, value, description, updatedBy string) error {
	return s.fileMetadata.Set(ctx, path, value, description, updatedBy)
}

// GetFileMetadata fetches the metadata entry for a path.
func (s *Service) GetFileMetadata(ctx context.Context, path string) (*Entry, error) {
	return s.fileMetadata.Get(ctx, path)
}

// ListFileMetadata returns file metadata entries, optionally by prefix.
func (s *Service) ListFileMetadata(ctx context.Context, prefix string) ([]*Entry, error) {
	return s.fileMetadata.List(ctx, prefix)
}

// FileMetadataSince returns metadata entries touched after the watermark.
func (s *Service) FileMetadataSince(ctx context.Context, since time.Time) ([]*Entry, error) {
	return s.fileMetadata.UpdatedSince(ctx, since)
}

// SetAdminConfig upserts an admin config key.
func (s *Service) SetAdminConfig(ctx context.Context, key, value, updatedBy string) error {
	return s.adminConfig.Set(ctx, key, value, "", updatedBy)
}

// GetAdminConfig fetches one admin config key.
func (s *Service) GetAdminConfig(ctx context.Context, key string) (*Entry, error) {
	return s.adminConfig.Get(ctx, key)
}

// GetAdminConfigJSON decodes an admin config value into out.
func (s *Service) GetAdminConfigJSON(ctx context.Context, key string, out any) error {
	e, err := s.adminConfig.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(e.Value), out); err != nil {
		return fmt.Errorf("failed to decode admin config %q: %w", key, err)
	}
	return nil
}

// SetAdminConfigJSON encodes value as JSON and stores it.
func (s *Service) SetAdminConfigJSON(ctx context.Context, key string, value any, updatedBy string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode admin config %q: %w", key, err)
	}
	return s.adminConfig.Set(ctx, key, string(encoded), "", updatedBy)
}
